package models

import "time"

// LatLng 坐标（纬度, 经度）
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Pair 返回 [lat, lng] 形式
func (p LatLng) Pair() [2]float64 {
	return [2]float64{p.Lat, p.Lng}
}

// Profile 佩戴者档案（braceletUsers 文档）
type Profile struct {
	ID        string
	Name      string
	AvatarRef string
}

// TrackedEntity 合并后的佩戴者视图（档案 + 实时状态）
// 不变式：DeviceOn 为 true 时 Online 必为 true
type TrackedEntity struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	AvatarRef string     `json:"avatar"`
	Battery   int        `json:"battery"`
	PulseRate *float64   `json:"pulseRate"`
	Position  *LatLng    `json:"position"`
	LastSeen  *time.Time `json:"lastSeen"`
	Online    bool       `json:"online"`
	DeviceOn  bool       `json:"deviceOn"`
	SOS       bool       `json:"sos"`
}

// HasPosition 是否有已知位置
func (e TrackedEntity) HasPosition() bool {
	return e.Position != nil
}

// Clone 深拷贝（指针字段独立）
func (e TrackedEntity) Clone() TrackedEntity {
	out := e
	if e.PulseRate != nil {
		v := *e.PulseRate
		out.PulseRate = &v
	}
	if e.Position != nil {
		p := *e.Position
		out.Position = &p
	}
	if e.LastSeen != nil {
		t := *e.LastSeen
		out.LastSeen = &t
	}
	return out
}
