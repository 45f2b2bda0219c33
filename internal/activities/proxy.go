// Proxy 与升级相关活动
package activities

import (
	"context"
	"fmt"

	"nodeman/internal/pipeline"
	"nodeman/internal/reporter"
)

// ============================================================================
// push_upgrade_package / push_agent_pkg_to_proxy
// ============================================================================

// pushUpgradePackage 分发 Agent 升级包
type pushUpgradePackage struct{ store Store }

func (h *pushUpgradePackage) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	download := setting(ctx, h.store, KeyDownloadPath, defaultDownloadPath)

	var specs []transferSpec
	failed := make(map[int64]string)
	for _, record := range input.Records {
		host := hostOf(record)
		if host == nil {
			failed[record.ID] = errMissingHost(record)
			continue
		}
		pkg := fmt.Sprintf("gse_agent_upgrade-%s-%s.tgz", osSuffix(host.OsType), archOf(host.CPUArch))
		specs = append(specs, transferSpec{
			record:     record,
			fileList:   []string{download + "/" + pkg},
			targetPath: setupPathFor(ctx, h.store, host) + "/upgrade",
		})
	}
	if len(specs) == 0 {
		return failAllWith(input, failed), nil
	}
	pending, err := submitTransfers(ctx, env, "root", specs)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{State: jobState(pending, failed)}, nil
}

func (h *pushUpgradePackage) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	return scheduleJobs(ctx, env, state)
}

var _ pipeline.Pollable = (*pushUpgradePackage)(nil)

// pushAgentPkgToProxy 将 Agent 安装包与插件包预置到 Proxy 下载目录
//
// 云区域内的 PAgent 安装从所属 Proxy 拉包，Proxy 必须先备齐全量包。
type pushAgentPkgToProxy struct{ store Store }

func (h *pushAgentPkgToProxy) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	download := setting(ctx, h.store, KeyDownloadPath, defaultDownloadPath)

	var specs []transferSpec
	failed := make(map[int64]string)
	for _, record := range input.Records {
		host := hostOf(record)
		if host == nil {
			failed[record.ID] = errMissingHost(record)
			continue
		}
		specs = append(specs, transferSpec{
			record: record,
			fileList: []string{
				download + "/gse_client-linux-x86_64.tgz",
				download + "/gse_client-windows-x86_64.tgz",
				download + "/setup_agent.sh",
				download + "/setup_agent.bat",
			},
			targetPath: defaultDownloadPath,
		})
	}
	if len(specs) == 0 {
		return failAllWith(input, failed), nil
	}
	pending, err := submitTransfers(ctx, env, "root", specs)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{State: jobState(pending, failed)}, nil
}

func (h *pushAgentPkgToProxy) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	return scheduleJobs(ctx, env, state)
}

// ============================================================================
// configure_policy / check_policy_gse_to_proxy / start_nginx
// ============================================================================

// configurePolicy 登记 GSE 到 Proxy 的网络策略需求
//
// 策略开通由云管侧带外完成，这里仅留痕提示。
type configurePolicy struct{}

func (h *configurePolicy) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	for _, record := range input.Records {
		host := hostOf(record)
		if host == nil {
			continue
		}
		env.Reporter.Logf(ctx, record.ID, input.Activity.ID, reporter.LevelInfo,
			"network policy requested for proxy %s (cloud %d)", host.OuterIP, host.BkCloudID)
	}
	return succeedAll(input), nil
}

// checkPolicyGseToProxy 在 Proxy 上探测上游 GSE 端口连通性
type checkPolicyGseToProxy struct{}

func (h *checkPolicyGseToProxy) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	var specs []scriptSpec
	failed := make(map[int64]string)
	for _, record := range input.Records {
		if hostOf(record) == nil {
			failed[record.ID] = errMissingHost(record)
			continue
		}
		specs = append(specs, scriptSpec{
			record:  record,
			content: "#!/bin/bash\nfor port in 28668 28625 58625; do timeout 5 bash -c \"</dev/tcp/$UPSTREAM_IP/$port\" || exit 1; done\n",
		})
	}
	if len(specs) == 0 {
		return failAllWith(input, failed), nil
	}
	pending, err := submitScripts(ctx, env, specs)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{State: jobState(pending, failed)}, nil
}

func (h *checkPolicyGseToProxy) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	return scheduleJobs(ctx, env, state)
}

// startNginx 启动 Proxy 上的文件下载服务
type startNginx struct{}

func (h *startNginx) Execute(ctx context.Context, env *pipeline.Env, input *pipeline.Input) (*pipeline.Result, error) {
	var specs []scriptSpec
	failed := make(map[int64]string)
	for _, record := range input.Records {
		if hostOf(record) == nil {
			failed[record.ID] = errMissingHost(record)
			continue
		}
		specs = append(specs, scriptSpec{
			record:  record,
			content: "#!/bin/bash\n/opt/nginx-portable/nginx-portable restart || /opt/nginx-portable/nginx-portable start\n",
		})
	}
	if len(specs) == 0 {
		return failAllWith(input, failed), nil
	}
	pending, err := submitScripts(ctx, env, specs)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{State: jobState(pending, failed)}, nil
}

func (h *startNginx) Schedule(ctx context.Context, env *pipeline.Env, input *pipeline.Input, state map[string]interface{}) (*pipeline.Result, bool, error) {
	return scheduleJobs(ctx, env, state)
}

// osSuffix 操作系统包名后缀
func osSuffix(osType string) string {
	switch osType {
	case "WINDOWS":
		return "windows"
	case "AIX":
		return "aix"
	case "SOLARIS":
		return "solaris"
	}
	return "linux"
}

// archOf CPU 架构包名段，缺省 x86_64
func archOf(arch string) string {
	if arch == "" {
		return "x86_64"
	}
	return arch
}
