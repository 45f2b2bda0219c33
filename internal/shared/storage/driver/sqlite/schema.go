package sqlite

// schema SQLite 建表语句
//
// JSON 结构字段（scope/steps/actions/instance_info/configs）以 TEXT 存储。
// Windows 路径入库前已统一为正斜杠。
const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    name            TEXT NOT NULL DEFAULT '',
    category        TEXT NOT NULL DEFAULT 'once',
    enable          INTEGER NOT NULL DEFAULT 1,
    object_type     TEXT NOT NULL,
    node_type       TEXT NOT NULL,
    scope           TEXT NOT NULL,
    steps           TEXT NOT NULL,
    is_main         INTEGER NOT NULL DEFAULT 0,
    pid             INTEGER NOT NULL DEFAULT -1,
    bk_biz_scope    TEXT NOT NULL DEFAULT '[]',
    creator         TEXT NOT NULL DEFAULT '',
    is_deleted      INTEGER NOT NULL DEFAULT 0,
    created_at      TIMESTAMP NOT NULL DEFAULT (datetime('now')),
    updated_at      TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_enable ON subscriptions(enable, is_deleted);
CREATE INDEX IF NOT EXISTS idx_subscriptions_category ON subscriptions(category, is_deleted);

CREATE TABLE IF NOT EXISTS subscription_tasks (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    subscription_id INTEGER NOT NULL,
    scope           TEXT NOT NULL,
    actions         TEXT NOT NULL DEFAULT '{}',
    pipeline_id     TEXT NOT NULL DEFAULT '',
    is_ready        INTEGER NOT NULL DEFAULT 0,
    is_auto_trigger INTEGER NOT NULL DEFAULT 0,
    err_msg         TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_tasks_subscription ON subscription_tasks(subscription_id, created_at);

CREATE TABLE IF NOT EXISTS subscription_instance_records (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    subscription_id INTEGER NOT NULL,
    task_id         INTEGER NOT NULL,
    instance_id     TEXT NOT NULL,
    instance_info   TEXT NOT NULL,
    steps           TEXT NOT NULL DEFAULT '[]',
    pipeline_id     TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'PENDING',
    is_latest       INTEGER NOT NULL DEFAULT 1,
    need_clean      INTEGER NOT NULL DEFAULT 0,
    created_at      TIMESTAMP NOT NULL DEFAULT (datetime('now')),
    updated_at      TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_records_task ON subscription_instance_records(task_id);
CREATE INDEX IF NOT EXISTS idx_records_latest ON subscription_instance_records(subscription_id, instance_id, is_latest);
CREATE INDEX IF NOT EXISTS idx_records_status ON subscription_instance_records(status, updated_at);

CREATE TABLE IF NOT EXISTS subscription_instance_status_details (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    instance_record_id  INTEGER NOT NULL,
    node_id             TEXT NOT NULL,
    status              TEXT NOT NULL DEFAULT 'RUNNING',
    log                 TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMP NOT NULL DEFAULT (datetime('now')),
    updated_at          TIMESTAMP NOT NULL DEFAULT (datetime('now')),
    UNIQUE (instance_record_id, node_id)
);

CREATE TABLE IF NOT EXISTS process_statuses (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    bk_host_id      INTEGER NOT NULL,
    name            TEXT NOT NULL,
    source_type     TEXT NOT NULL DEFAULT 'subscription',
    source_id       INTEGER,
    group_id        TEXT NOT NULL DEFAULT '',
    bk_obj_id       TEXT,
    status          TEXT NOT NULL DEFAULT 'UNKNOWN',
    version         TEXT NOT NULL DEFAULT '',
    listen_ip       TEXT NOT NULL DEFAULT '',
    listen_port     INTEGER NOT NULL DEFAULT 0,
    setup_path      TEXT NOT NULL DEFAULT '',
    pid_path        TEXT NOT NULL DEFAULT '',
    log_path        TEXT NOT NULL DEFAULT '',
    data_path       TEXT NOT NULL DEFAULT '',
    configs         TEXT NOT NULL DEFAULT '[]',
    is_latest       INTEGER NOT NULL DEFAULT 1,
    retry_times     INTEGER NOT NULL DEFAULT 0,
    updated_at      TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_proc_group ON process_statuses(group_id, is_latest);
CREATE INDEX IF NOT EXISTS idx_proc_host_name ON process_statuses(bk_host_id, name, is_latest);

CREATE TABLE IF NOT EXISTS pipeline_trees (
    id          TEXT PRIMARY KEY,
    tree        TEXT NOT NULL,
    created_at  TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS global_settings (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    updated_at  TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);
`
