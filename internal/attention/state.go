package attention

import (
	"fleetwatch-correlation/internal/models"
)

// stateOrder 关注状态的推进顺序（nil 视为 0）
// 状态只能向前，禁止回退
var stateOrder = map[string]int{
	models.AttentionNeedsAttention: 1,
	models.AttentionInProgress:     2,
	models.AttentionClosed:         3,
}

// CanTransition 校验状态迁移是否合法（仅允许向前推进）
func CanTransition(from *string, to string) bool {
	toRank, ok := stateOrder[to]
	if !ok {
		return false
	}

	fromRank := 0
	if from != nil {
		fromRank, ok = stateOrder[*from]
		if !ok {
			return false
		}
	}

	return toRank > fromRank
}
