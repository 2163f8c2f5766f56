package correlation

import (
	"math"

	"fleetwatch-correlation/internal/models"
)

// maxDecaySeconds 衰减封顶时间（30分钟）；超过后强度固定为基础值的 0.7
const maxDecaySeconds = 1800

// baseStrength 关联类型对应的基础强度
func baseStrength(correlationType string) float64 {
	switch correlationType {
	case models.CorrelationCausal:
		return 0.9
	case models.CorrelationTemporal:
		return 0.7
	case models.CorrelationPattern:
		return 0.6
	default:
		return 0.5
	}
}

// decay 线性时间衰减因子：delta 为 0 时为 1.0，达到 30 分钟后封顶为 0.7
func decay(deltaSeconds int64) float64 {
	d := deltaSeconds
	if d < 0 {
		d = -d
	}
	if d > maxDecaySeconds {
		d = maxDecaySeconds
	}
	return 1.0 - float64(d)/maxDecaySeconds*0.3
}

// Strength 计算关联强度：round(baseStrength * decay, 2)，始终落在 [0, 1]
func Strength(correlationType string, timeDeltaSeconds int64) float64 {
	return math.Round(baseStrength(correlationType)*decay(timeDeltaSeconds)*100) / 100
}
