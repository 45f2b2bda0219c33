// Package render 配置模板渲染
//
// 渲染是纯函数：同一 (模板, 上下文) 必定产出同一内容，规划器据此
// 用渲染结果的 md5 判定配置漂移。
package render

import (
	"bytes"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"text/template"

	"nodeman/internal/shared/errs"
	"nodeman/internal/shared/model"
)

// Config 渲染单个配置模板
func Config(content string, ctx map[string]interface{}) (string, error) {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(content)
	if err != nil {
		return "", errs.Wrap(errs.ErrConfigRenderFailed, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", errs.Wrap(errs.ErrConfigRenderFailed, err)
	}
	return buf.String(), nil
}

// MD5 渲染内容的指纹
func MD5(content string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(content)))
}

// Context 组装渲染上下文
//
// 实例快照以 cmdb_instance 键整体注入，步骤 params.context 的键
// 提升到顶层，便于模板直接引用业务变量。
func Context(sub *model.Subscription, step *model.Step, inst *model.Instance) map[string]interface{} {
	ctx := make(map[string]interface{})
	for k, v := range step.Params.Context {
		ctx[k] = v
	}

	cmdbInstance := map[string]interface{}{}
	if inst.Host != nil {
		cmdbInstance["host"] = toMap(inst.Host)
	}
	if inst.Service != nil {
		cmdbInstance["service"] = toMap(inst.Service)
	}
	if inst.Process != nil {
		cmdbInstance["process"] = inst.Process
	}
	ctx["cmdb_instance"] = cmdbInstance

	ctx["subscription_id"] = sub.ID
	ctx["step_id"] = step.StepID
	ctx["group_id"] = sub.GroupID(inst)
	if inst.Host != nil {
		ctx["bk_host_id"] = inst.Host.BkHostID
		ctx["inner_ip"] = inst.Host.InnerIP
		ctx["bk_cloud_id"] = inst.Host.BkCloudID
	}
	return ctx
}

// toMap 结构体经 JSON 往返转成模板可寻址的 map
func toMap(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
