package models

// ZoneTypeCircle 目前只支持圆形围栏
const ZoneTypeCircle = "circle"

// GeofenceZone 看护人定义的圆形安全区域
type GeofenceZone struct {
	ID     int64   `json:"id"`
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	Center LatLng  `json:"center"`
	Radius float64 `json:"radius"` // 米
}

// Containment 某个佩戴者当前位于某个区域内
type Containment struct {
	EntityID   string  `json:"entityId"`
	EntityName string  `json:"entityName"`
	ZoneID     int64   `json:"zoneId"`
	ZoneName   string  `json:"zoneName"`
	Distance   float64 `json:"distance"`
}
