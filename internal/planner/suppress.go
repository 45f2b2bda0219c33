// 策略优先级抑制
package planner

import (
	"context"
	"sort"

	"nodeman/internal/shared/model"
)

// mainline CMDB 主线层级序：业务 < 自定义层级 < 集群 < 模块 < 主机。
// 越深的节点优先级越高。
func mainlineRank(objID string) int {
	switch objID {
	case "biz":
		return 0
	case "set":
		return 2
	case "module":
		return 3
	case "host":
		return 4
	}
	// 自定义层级位于业务与集群之间
	return 1
}

// coverage 单个策略对各主机的覆盖层级
type coverage struct {
	policy *model.Subscription

	// rankByHost bk_host_id → 覆盖该主机的最深节点层级
	rankByHost map[int64]int

	// objByHost bk_host_id → 最深覆盖节点的 bk_obj_id
	objByHost map[int64]string
}

// applySuppression 策略优先级抑制
//
// 同一插件可被多个策略覆盖同一主机时，挂在主线最深节点的策略胜出，
// 败者撤销动作并记录胜者。
func (p *Planner) applySuppression(ctx context.Context, sub *model.Subscription, step *model.Step, instances map[string]*model.Instance, plan *StepPlan) error {
	if p.scopes == nil || step.Config.PluginName == "" {
		return nil
	}

	policies, err := p.store.ListPoliciesByPlugin(ctx, step.Config.PluginName)
	if err != nil {
		return err
	}
	if len(policies) <= 1 {
		return nil
	}
	// 解析顺序固定，保证多次规划产出一致
	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })

	coverages := make([]coverage, 0, len(policies))
	for _, policy := range policies {
		var cov coverage
		if policy.ID == sub.ID {
			cov = coverageOf(policy, instances)
		} else {
			resolved, err := p.scopes.Resolve(ctx, &policy.Scope)
			if err != nil {
				return err
			}
			cov = coverageOf(policy, resolved)
		}
		coverages = append(coverages, cov)
	}

	for nodeID, inst := range instances {
		if _, has := plan.InstanceActions[nodeID]; !has {
			continue
		}
		if inst.Host == nil {
			continue
		}
		winner := pickWinner(coverages, inst.Host.BkHostID)
		if winner == nil || winner.policy.ID == sub.ID {
			continue
		}

		delete(plan.InstanceActions, nodeID)
		reason := plan.MigrateReasons[nodeID]
		reason.SuppressedBy = &model.SuppressedBy{
			SubscriptionID: winner.policy.ID,
			Name:           winner.policy.Name,
			Category:       winner.policy.Category,
			BkObjID:        winner.objByHost[inst.Host.BkHostID],
		}
		plan.MigrateReasons[nodeID] = reason
	}
	return nil
}

// coverageOf 从解析结果提取策略的主机覆盖层级
//
// 实例未携带拓扑责任节点时（INSTANCE 范围直接圈定主机）按主机层级计。
func coverageOf(policy *model.Subscription, instances map[string]*model.Instance) coverage {
	cov := coverage{
		policy:     policy,
		rankByHost: make(map[int64]int),
		objByHost:  make(map[int64]string),
	}
	for _, inst := range instances {
		if inst.Host == nil {
			continue
		}
		rank, obj := -1, ""
		if len(inst.Scope) == 0 {
			rank, obj = mainlineRank("host"), "host"
		}
		for _, node := range inst.Scope {
			if r := mainlineRank(node.BkObjID); r > rank {
				rank, obj = r, node.BkObjID
			}
		}
		if prev, ok := cov.rankByHost[inst.Host.BkHostID]; !ok || rank > prev {
			cov.rankByHost[inst.Host.BkHostID] = rank
			cov.objByHost[inst.Host.BkHostID] = obj
		}
	}
	return cov
}

// pickWinner 主机上覆盖层级最深的策略；同层级时先创建的策略胜出
func pickWinner(coverages []coverage, hostID int64) *coverage {
	var winner *coverage
	best := -1
	for i := range coverages {
		rank, ok := coverages[i].rankByHost[hostID]
		if !ok {
			continue
		}
		if rank > best {
			best = rank
			winner = &coverages[i]
		}
	}
	return winner
}
