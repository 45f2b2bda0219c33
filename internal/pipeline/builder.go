// 工作流构建
package pipeline

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"nodeman/internal/composer"
	"nodeman/internal/shared/model"
)

// DefaultTaskHostLimit 单子流程实例上限（global_settings TASK_HOST_LIMIT 可覆盖）
const DefaultTaskHostLimit = 500

// GroupFingerprint 工作负载分组指纹
//
// 对 (meta, step_actions) 的规范化 JSON 取 md5，动作按 step_id 排序，
// 同指纹的实例共享一条串行活动链。
func GroupFingerprint(meta model.Meta, actions model.StepActions) string {
	type pair struct {
		StepID string       `json:"id"`
		Action model.Action `json:"action"`
	}
	pairs := make([]pair, 0, len(actions))
	for stepID, action := range actions {
		pairs = append(pairs, pair{StepID: stepID, Action: action})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].StepID < pairs[j].StepID })

	payload, _ := json.Marshal(struct {
		Meta        model.Meta `json:"meta"`
		StepActions []pair     `json:"step_actions"`
	}{Meta: meta, StepActions: pairs})
	return fmt.Sprintf("%x", md5.Sum(payload))
}

// Build 构建工作流树
//
// 实例按指纹分组，组内切片（每片至多 hostLimit 个），每片展开为
// 一条活动链。构建同时回填每条记录的步骤活动 ID 序列。
func Build(sub *model.Subscription, task *model.SubscriptionTask, records []*model.SubscriptionInstanceRecord, hostLimit int) (*Tree, error) {
	if hostLimit <= 0 {
		hostLimit = DefaultTaskHostLimit
	}

	// 指纹分组，组序按指纹字典序固定
	groups := make(map[string][]*model.SubscriptionInstanceRecord)
	for _, record := range records {
		fp := GroupFingerprint(record.InstanceInfo.Meta, recordActions(record))
		groups[fp] = append(groups[fp], record)
	}
	fingerprints := make([]string, 0, len(groups))
	for fp := range groups {
		fingerprints = append(fingerprints, fp)
	}
	sort.Strings(fingerprints)

	tree := &Tree{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		TaskID:         task.ID,
		CreatedAt:      time.Now(),
	}

	for _, fp := range fingerprints {
		group := groups[fp]
		sort.Slice(group, func(i, j int) bool { return group[i].InstanceID < group[j].InstanceID })

		if tree.Meta.GSEVersion == "" {
			tree.Meta = group[0].InstanceInfo.Meta
		}

		for start := 0; start < len(group); start += hostLimit {
			end := start + hostLimit
			if end > len(group) {
				end = len(group)
			}
			slice, err := buildSlice(sub, fp, group[start:end])
			if err != nil {
				return nil, err
			}
			tree.Slices = append(tree.Slices, *slice)
		}
	}
	return tree, nil
}

// buildSlice 展开一片实例的活动链并回填记录
func buildSlice(sub *model.Subscription, fingerprint string, records []*model.SubscriptionInstanceRecord) (*Slice, error) {
	slice := &Slice{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
	}
	for _, record := range records {
		slice.RecordIDs = append(slice.RecordIDs, record.ID)
	}

	// 组内动作一致，取首条记录的步骤展开
	sample := records[0]
	for _, recordStep := range sample.Steps {
		step, ok := sub.GetStep(recordStep.StepID)
		if !ok {
			continue
		}
		descriptors, err := composer.Compose(step, recordStep.Action)
		if err != nil {
			return nil, err
		}

		activityIDs := make([]string, 0, len(descriptors))
		for _, d := range descriptors {
			activity := Activity{
				ID:     uuid.NewString(),
				Code:   d.Code,
				Name:   d.Name,
				StepID: step.StepID,
				Params: d.Params,
			}
			slice.Activities = append(slice.Activities, activity)
			activityIDs = append(activityIDs, activity.ID)
		}

		for _, record := range records {
			if rs, ok := record.GetStep(recordStep.StepID); ok {
				rs.ActivityIDs = activityIDs
				if len(activityIDs) > 0 && rs.PipelineID == "" {
					rs.PipelineID = activityIDs[0]
				}
			}
		}
	}

	tagEnds(slice)
	return slice, nil
}

// tagEnds 首尾活动打标，长度 1 时合并为 HEAD_TAIL
func tagEnds(slice *Slice) {
	n := len(slice.Activities)
	switch {
	case n == 0:
	case n == 1:
		slice.Activities[0].Tag = TagHeadTail
	default:
		slice.Activities[0].Tag = TagHead
		slice.Activities[n-1].Tag = TagTail
	}
}

// recordActions 记录的 step_id → action 映射
func recordActions(record *model.SubscriptionInstanceRecord) model.StepActions {
	actions := make(model.StepActions, len(record.Steps))
	for _, step := range record.Steps {
		actions[step.StepID] = step.Action
	}
	return actions
}
