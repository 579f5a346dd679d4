// Package merge 将佩戴者档案与设备实时状态合并为 TrackedEntity。
package merge

import (
	"math"
	"time"

	"github.com/Mhacccc/tracking-app/internal/models"
	"github.com/Mhacccc/tracking-app/internal/parser"
	"github.com/Mhacccc/tracking-app/internal/presence"
)

const (
	// DefaultName 档案未填写名字时的显示名
	DefaultName = "Unnamed User"
	// DefaultAvatarRef 档案未设置头像时使用的头像
	DefaultAvatarRef = "https://i.pinimg.com/originals/98/1d/6b/981d6b2e0ccb5e968a0618c8d47671da.jpg"
)

// Merger 合并器，持有在线阈值与时钟
type Merger struct {
	threshold time.Duration
	clock     func() time.Time
}

// NewMerger 创建合并器；threshold<=0 时使用默认阈值，clock 为空时使用 time.Now
func NewMerger(threshold time.Duration, clock func() time.Time) *Merger {
	if threshold <= 0 {
		threshold = presence.DefaultOnlineThreshold
	}
	if clock == nil {
		clock = time.Now
	}
	return &Merger{threshold: threshold, clock: clock}
}

// Threshold 返回在线阈值
func (m *Merger) Threshold() time.Duration {
	return m.threshold
}

// Now 返回当前时间（注入的时钟）
func (m *Merger) Now() time.Time {
	return m.clock()
}

// Merge 初始加载时的合并：status 为 nil 表示该佩戴者没有状态文档
func (m *Merger) Merge(profile models.Profile, status models.StatusRecord) models.TrackedEntity {
	entity := models.TrackedEntity{
		ID:        profile.ID,
		Name:      profile.Name,
		AvatarRef: profile.AvatarRef,
	}
	if entity.Name == "" {
		entity.Name = DefaultName
	}
	if entity.AvatarRef == "" {
		entity.AvatarRef = DefaultAvatarRef
	}
	if status == nil {
		return entity
	}

	if b, ok := parseBattery(status["battery"]); ok {
		entity.Battery = b
	}
	if p, ok := parser.ParseNumber(status["pulseRate"]); ok {
		entity.PulseRate = &p
	}
	entity.Position = statusPosition(status)
	entity.LastSeen = parser.ParseTimestamp(status["lastSeen"])
	entity.Online = presence.IsOnline(entity.LastSeen, m.threshold, m.clock())
	flag, _ := deviceFlag(status)
	entity.DeviceOn = entity.Online && flag
	entity.SOS = sosActive(status["sos"])
	return entity
}

// ApplyStatus 增量更新：在 prev 基础上应用一条新的状态文档
// 电量、心率、设备开关缺失时沿用旧值；新坐标解析失败时保留旧位置
func (m *Merger) ApplyStatus(prev models.TrackedEntity, status models.StatusRecord) models.TrackedEntity {
	next := prev.Clone()

	if b, ok := parseBattery(status["battery"]); ok {
		next.Battery = b
	}
	if p, ok := parser.ParseNumber(status["pulseRate"]); ok {
		next.PulseRate = &p
	}
	if pos := statusPosition(status); pos != nil {
		next.Position = pos
	}
	next.LastSeen = parser.ParseTimestamp(status["lastSeen"])
	next.Online = presence.IsOnline(next.LastSeen, m.threshold, m.clock())
	flag, ok := deviceFlag(status)
	if !ok {
		flag = prev.DeviceOn
	}
	next.DeviceOn = next.Online && flag
	next.SOS = sosActive(status["sos"])
	return next
}

// ApplyTombstone 状态文档被删除：状态字段恢复默认，位置保留最后已知值
func (m *Merger) ApplyTombstone(prev models.TrackedEntity) models.TrackedEntity {
	next := prev.Clone()
	next.Battery = 0
	next.PulseRate = nil
	next.LastSeen = nil
	next.Online = false
	next.DeviceOn = false
	next.SOS = false
	return next
}

// Refresh 定时巡检：按当前时间重新计算在线状态，离线时强制 DeviceOn=false
// 返回值 changed 表示是否有字段变化
func (m *Merger) Refresh(prev models.TrackedEntity) (models.TrackedEntity, bool) {
	online := presence.IsOnline(prev.LastSeen, m.threshold, m.clock())
	deviceOn := prev.DeviceOn && online
	if online == prev.Online && deviceOn == prev.DeviceOn {
		return prev, false
	}
	next := prev.Clone()
	next.Online = online
	next.DeviceOn = deviceOn
	return next, true
}

func statusPosition(status models.StatusRecord) *models.LatLng {
	if pos := parser.ParseCoordinates(status["location"]); pos != nil {
		return pos
	}
	return parser.ParseCoordinates(map[string]any(status))
}

func parseBattery(raw any) (int, bool) {
	f, ok := parser.ParseNumber(raw)
	if !ok {
		return 0, false
	}
	b := int(math.Round(f))
	if b < 0 {
		b = 0
	}
	if b > 100 {
		b = 100
	}
	return b, true
}

func deviceFlag(status models.StatusRecord) (bool, bool) {
	for _, key := range []string{"isDeviceOn", "isBraceletOn"} {
		if v, ok := parser.ParseBool(status[key]); ok {
			return v, true
		}
	}
	return false, false
}

// sosActive sos 可能是布尔值，也可能是 {active: bool, ...} 对象；
// 对象缺少 active 字段时按非空对象视为激活
func sosActive(raw any) bool {
	if m, ok := raw.(map[string]any); ok {
		if active, present := m["active"]; present && active != nil {
			v, _ := parser.ParseBool(active)
			return v
		}
		return len(m) > 0
	}
	v, _ := parser.ParseBool(raw)
	return v
}
