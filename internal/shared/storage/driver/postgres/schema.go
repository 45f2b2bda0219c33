package postgres

// schema PostgreSQL 建表语句
const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
    id              BIGSERIAL PRIMARY KEY,
    name            TEXT NOT NULL DEFAULT '',
    category        TEXT NOT NULL DEFAULT 'once',
    enable          BOOLEAN NOT NULL DEFAULT TRUE,
    object_type     TEXT NOT NULL,
    node_type       TEXT NOT NULL,
    scope           JSONB NOT NULL,
    steps           JSONB NOT NULL,
    is_main         BOOLEAN NOT NULL DEFAULT FALSE,
    pid             BIGINT NOT NULL DEFAULT -1,
    bk_biz_scope    JSONB NOT NULL DEFAULT '[]',
    creator         TEXT NOT NULL DEFAULT '',
    is_deleted      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_enable ON subscriptions(enable, is_deleted);
CREATE INDEX IF NOT EXISTS idx_subscriptions_category ON subscriptions(category, is_deleted);

CREATE TABLE IF NOT EXISTS subscription_tasks (
    id              BIGSERIAL PRIMARY KEY,
    subscription_id BIGINT NOT NULL,
    scope           JSONB NOT NULL,
    actions         JSONB NOT NULL DEFAULT '{}',
    pipeline_id     TEXT NOT NULL DEFAULT '',
    is_ready        BOOLEAN NOT NULL DEFAULT FALSE,
    is_auto_trigger BOOLEAN NOT NULL DEFAULT FALSE,
    err_msg         TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_tasks_subscription ON subscription_tasks(subscription_id, created_at);

CREATE TABLE IF NOT EXISTS subscription_instance_records (
    id              BIGSERIAL PRIMARY KEY,
    subscription_id BIGINT NOT NULL,
    task_id         BIGINT NOT NULL,
    instance_id     TEXT NOT NULL,
    instance_info   JSONB NOT NULL,
    steps           JSONB NOT NULL DEFAULT '[]',
    pipeline_id     TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'PENDING',
    is_latest       BOOLEAN NOT NULL DEFAULT TRUE,
    need_clean      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_records_task ON subscription_instance_records(task_id);
CREATE INDEX IF NOT EXISTS idx_records_latest ON subscription_instance_records(subscription_id, instance_id, is_latest);
CREATE INDEX IF NOT EXISTS idx_records_status ON subscription_instance_records(status, updated_at);

CREATE TABLE IF NOT EXISTS subscription_instance_status_details (
    id                  BIGSERIAL PRIMARY KEY,
    instance_record_id  BIGINT NOT NULL,
    node_id             TEXT NOT NULL,
    status              TEXT NOT NULL DEFAULT 'RUNNING',
    log                 TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (instance_record_id, node_id)
);

CREATE TABLE IF NOT EXISTS process_statuses (
    id              BIGSERIAL PRIMARY KEY,
    bk_host_id      BIGINT NOT NULL,
    name            TEXT NOT NULL,
    source_type     TEXT NOT NULL DEFAULT 'subscription',
    source_id       BIGINT,
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
    configs         JSONB NOT NULL DEFAULT '[]',
    is_latest       BOOLEAN NOT NULL DEFAULT TRUE,
    retry_times     INTEGER NOT NULL DEFAULT 0,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_proc_group ON process_statuses(group_id, is_latest);
CREATE INDEX IF NOT EXISTS idx_proc_host_name ON process_statuses(bk_host_id, name, is_latest);

CREATE TABLE IF NOT EXISTS pipeline_trees (
    id          TEXT PRIMARY KEY,
    tree        TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS global_settings (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
