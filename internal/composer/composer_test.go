// Package composer 动作编排测试
package composer

import (
	"testing"

	"nodeman/internal/remote/gse"
	"nodeman/internal/shared/errs"
	"nodeman/internal/shared/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func codes(descriptors []Descriptor) []string {
	out := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, d.Code)
	}
	return out
}

func TestComposeAgentInstall(t *testing.T) {
	step := &model.Step{StepID: "agent", Type: model.StepTypeAgent}

	chain, err := Compose(step, model.ActionInstallAgent)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"add_or_update_hosts", "query_password", "choose_access_point",
		"install", "get_agent_status",
	}, codes(chain))

	// v2 变体链路相同
	chain2, err := Compose(step, model.ActionInstallAgent2)
	require.NoError(t, err)
	assert.Equal(t, codes(chain), codes(chain2))
}

func TestComposeAgentInstallExtras(t *testing.T) {
	step := &model.Step{
		StepID: "agent",
		Type:   model.StepTypeAgent,
		Params: model.StepParams{Context: map[string]interface{}{
			"push_host_identifier":    true,
			"install_default_plugins": true,
		}},
	}
	chain, err := Compose(step, model.ActionReinstallAgent)
	require.NoError(t, err)
	got := codes(chain)
	assert.Equal(t, "push_host_identifier", got[len(got)-2])
	assert.Equal(t, "install_plugins", got[len(got)-1])
}

func TestComposeProxyReinstall(t *testing.T) {
	step := &model.Step{StepID: "agent", Type: model.StepTypeAgent}
	chain, err := Compose(step, model.ActionReinstallProxy)
	require.NoError(t, err)
	got := codes(chain)
	assert.Contains(t, got, "push_agent_pkg_to_proxy")
	assert.Contains(t, got, "check_policy_gse_to_proxy")
	assert.Equal(t, "start_nginx", got[len(got)-1])
}

func TestComposePluginMainInstall(t *testing.T) {
	step := &model.Step{StepID: "basereport", Type: model.StepTypePlugin}
	chain, err := Compose(step, model.ActionMainInstallPlugin)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"init_process_status", "transfer_script", "transfer_package",
		"install_package", "render_and_push_config", "gse_operate_proc",
		"update_host_process_status", "set_process_status",
	}, codes(chain))

	// 进程操作为重启，版本回写后终态为 running
	assert.Equal(t, int(gse.OpRestart), chain[5].Params["op_type"])
	assert.Equal(t, string(model.ProcStatusRunning), chain[7].Params["status"])
}

func TestComposePushConfig(t *testing.T) {
	step := &model.Step{StepID: "bkmonitorbeat", Type: model.StepTypePlugin}
	chain, err := Compose(step, model.ActionPushConfig)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"render_and_push_config", "gse_operate_proc", "gse_operate_proc",
		"set_process_status",
	}, codes(chain))
	assert.Equal(t, int(gse.OpReload), chain[1].Params["op_type"])
	assert.Equal(t, int(gse.OpDelegate), chain[2].Params["op_type"])

	// no_restart 时跳过进程操作
	step.Params.NoRestart = true
	chain, err = Compose(step, model.ActionPushConfig)
	require.NoError(t, err)
	assert.Equal(t, []string{"render_and_push_config", "set_process_status"}, codes(chain))
}

func TestComposeUninstall(t *testing.T) {
	step := &model.Step{StepID: "basereport", Type: model.StepTypePlugin}
	chain, err := Compose(step, model.ActionStopAndDeletePlugin)
	require.NoError(t, err)
	got := codes(chain)
	assert.Equal(t, "gse_operate_proc", got[0])
	assert.Equal(t, int(gse.OpStop), chain[0].Params["op_type"])
	assert.Equal(t, "set_process_status", got[len(got)-1])
	assert.Equal(t, string(model.ProcStatusRemoved), chain[len(chain)-1].Params["status"])
}

func TestComposeUnknownAction(t *testing.T) {
	step := &model.Step{StepID: "x", Type: model.StepTypePlugin}
	_, err := Compose(step, model.Action("NO_SUCH_ACTION"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrActionCanNotBeNone)

	_, err = Compose(step, "")
	require.Error(t, err)
}

func TestRecordSteps(t *testing.T) {
	sub := &model.Subscription{
		Steps: []model.Step{
			{StepID: "first", Type: model.StepTypePlugin},
			{StepID: "second", Type: model.StepTypePlugin},
		},
	}
	steps := RecordSteps(sub, model.StepActions{"second": model.ActionMainInstallPlugin})
	require.Len(t, steps, 1)
	assert.Equal(t, "second", steps[0].StepID)
	assert.Equal(t, model.ActionMainInstallPlugin, steps[0].Action)
}
