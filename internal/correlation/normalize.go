package correlation

import (
	"strings"
)

// 规范化后的事件类型
const (
	TypeHarshBraking      = "harsh_braking"
	TypePanicButton       = "panic_button"
	TypeCollision         = "collision"
	TypeCollisionWarning  = "collision_warning"
	TypeCameraObstruction = "camera_obstruction"
	TypeTampering         = "tampering"
	TypeSpeeding          = "speeding"
	TypeDistractedDriving = "distracted_driving"
)

// eventTypeSynonyms 事件类型同义词表（进程启动时加载，不可变）
// 第三方车队监控平台上报的事件类型写法不统一，全部归一到规范形式
var eventTypeSynonyms = map[string]string{
	"harshbraking":              TypeHarshBraking,
	"hard_braking":              TypeHarshBraking,
	"hard_brake":                TypeHarshBraking,
	"harsh_brake":               TypeHarshBraking,
	"sudden_braking":            TypeHarshBraking,
	"panicbutton":               TypePanicButton,
	"panic":                     TypePanicButton,
	"sos":                       TypePanicButton,
	"sos_button":                TypePanicButton,
	"emergency_button":          TypePanicButton,
	"crash":                     TypeCollision,
	"impact":                    TypeCollision,
	"accident":                  TypeCollision,
	"collisionwarning":          TypeCollisionWarning,
	"forward_collision_warning": TypeCollisionWarning,
	"fcw":                       TypeCollisionWarning,
	"cameraobstruction":         TypeCameraObstruction,
	"camera_blocked":            TypeCameraObstruction,
	"lens_obstruction":          TypeCameraObstruction,
	"tamper":                    TypeTampering,
	"device_tampering":          TypeTampering,
	"overspeed":                 TypeSpeeding,
	"over_speed":                TypeSpeeding,
	"speed_violation":           TypeSpeeding,
	"distracteddriving":         TypeDistractedDriving,
	"distraction":               TypeDistractedDriving,
	"driver_distraction":        TypeDistractedDriving,
	"phone_usage":               TypeDistractedDriving,
}

// Normalize 将原始事件类型归一为规范形式（纯函数）
// 大小写不敏感，空格和连字符折叠为下划线；未知类型返回折叠后的原始形式
func Normalize(rawType string) string {
	cleaned := strings.ToLower(strings.TrimSpace(rawType))
	cleaned = strings.ReplaceAll(cleaned, " ", "_")
	cleaned = strings.ReplaceAll(cleaned, "-", "_")

	if canonical, ok := eventTypeSynonyms[cleaned]; ok {
		return canonical
	}
	return cleaned
}
