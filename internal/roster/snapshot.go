package roster

import (
	"github.com/Mhacccc/tracking-app/internal/models"
)

// State 花名册状态
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
)

// Snapshot 花名册的一次发布结果（只读副本）
type Snapshot struct {
	Version     uint64                 `json:"version"`
	CaregiverID string                 `json:"caregiverId"`
	State       State                  `json:"state"`
	Entities    []models.TrackedEntity `json:"entities"`
	Conditions  Conditions             `json:"conditions"`
}

// Conditions 需要提示给看护人的异常状态
type Conditions struct {
	// ProfileMissing 看护人档案不存在（数据配置问题，区别于一般加载失败）
	ProfileMissing bool `json:"profileMissing"`
	// LoadError 初始加载失败原因；失败时花名册为空，需手动重试
	LoadError string `json:"loadError,omitempty"`
	// Degraded 实时订阅出错，当前数据可能已过期
	Degraded       bool   `json:"degraded"`
	DegradedReason string `json:"degradedReason,omitempty"`
}

// Entity 按 ID 查找
func (s Snapshot) Entity(id string) (models.TrackedEntity, bool) {
	for _, e := range s.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return models.TrackedEntity{}, false
}

// OnlineCount 在线人数
func (s Snapshot) OnlineCount() int {
	n := 0
	for _, e := range s.Entities {
		if e.Online {
			n++
		}
	}
	return n
}

// DefaultCenter 没有任何可用位置时的地图中心
var DefaultCenter = models.LatLng{Lat: 14.5921, Lng: 120.9755}

// FocusPoint 地图聚焦点：优先 SOS 且在线，其次在线，再次任意有位置的佩戴者，最后 fallback
func FocusPoint(entities []models.TrackedEntity, fallback models.LatLng) (models.LatLng, string) {
	pick := func(match func(models.TrackedEntity) bool) (models.LatLng, string, bool) {
		for _, e := range entities {
			if e.Position != nil && match(e) {
				return *e.Position, e.ID, true
			}
		}
		return models.LatLng{}, "", false
	}

	if p, id, ok := pick(func(e models.TrackedEntity) bool { return e.SOS && e.Online }); ok {
		return p, id
	}
	if p, id, ok := pick(func(e models.TrackedEntity) bool { return e.Online }); ok {
		return p, id
	}
	if p, id, ok := pick(func(models.TrackedEntity) bool { return true }); ok {
		return p, id
	}
	return fallback, ""
}

func cloneEntities(src []models.TrackedEntity) []models.TrackedEntity {
	out := make([]models.TrackedEntity, len(src))
	for i, e := range src {
		out[i] = e.Clone()
	}
	return out
}
