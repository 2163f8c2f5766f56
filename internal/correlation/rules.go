package correlation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PairedRule 配对规则（两类事件在时间间隔内先后出现）
type PairedRule struct {
	Name          string `yaml:"name"`
	Type          string `yaml:"type"`
	PairedWith    string `yaml:"paired_with"`
	MaxGapSeconds int    `yaml:"max_gap_seconds"`
}

// FrequencyRule 频次规则（同类事件在窗口内达到最小次数）
type FrequencyRule struct {
	Name           string `yaml:"name"`
	Type           string `yaml:"type"`
	MinOccurrences int    `yaml:"min_occurrences"`
	WindowMinutes  int    `yaml:"window_minutes"`
}

// RuleSet 关联规则表
// 评估顺序固定：collision > emergency > pattern，首个命中即停止
type RuleSet struct {
	Collision []PairedRule    `yaml:"collision"`
	Emergency []PairedRule    `yaml:"emergency"`
	Pattern   []FrequencyRule `yaml:"pattern"`
}

// DefaultRuleSet 内置默认规则表（租户无覆盖配置时使用）
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		Collision: []PairedRule{
			{Name: "braking_then_panic", Type: TypeHarshBraking, PairedWith: TypePanicButton, MaxGapSeconds: 120},
			{Name: "braking_then_collision", Type: TypeHarshBraking, PairedWith: TypeCollision, MaxGapSeconds: 60},
			{Name: "warning_then_panic", Type: TypeCollisionWarning, PairedWith: TypePanicButton, MaxGapSeconds: 180},
		},
		Emergency: []PairedRule{
			{Name: "obstruction_then_panic", Type: TypeCameraObstruction, PairedWith: TypePanicButton, MaxGapSeconds: 1800},
			{Name: "tampering_then_panic", Type: TypeTampering, PairedWith: TypePanicButton, MaxGapSeconds: 1800},
		},
		Pattern: []FrequencyRule{
			{Name: "repeated_harsh_braking", Type: TypeHarshBraking, MinOccurrences: 3, WindowMinutes: 15},
			{Name: "repeated_speeding", Type: TypeSpeeding, MinOccurrences: 3, WindowMinutes: 20},
			{Name: "repeated_distraction", Type: TypeDistractedDriving, MinOccurrences: 2, WindowMinutes: 30},
		},
	}
}

// LoadRuleSet 加载规则表
// path 为空时返回内置默认规则；否则从 YAML 文件加载覆盖规则
func LoadRuleSet(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRuleSet(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rules RuleSet
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	// 规范化规则中的事件类型，允许配置里使用同义写法
	for i := range rules.Collision {
		rules.Collision[i].Type = Normalize(rules.Collision[i].Type)
		rules.Collision[i].PairedWith = Normalize(rules.Collision[i].PairedWith)
	}
	for i := range rules.Emergency {
		rules.Emergency[i].Type = Normalize(rules.Emergency[i].Type)
		rules.Emergency[i].PairedWith = Normalize(rules.Emergency[i].PairedWith)
	}
	for i := range rules.Pattern {
		rules.Pattern[i].Type = Normalize(rules.Pattern[i].Type)
	}

	return &rules, nil
}
