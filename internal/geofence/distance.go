package geofence

import (
	"math"

	"github.com/Mhacccc/tracking-app/internal/models"
)

// EarthRadius 地球半径（米）
const EarthRadius = 6371000.0

// Distance 两点间大圆距离（米，haversine）
func Distance(a, b models.LatLng) float64 {
	rad := math.Pi / 180
	lat1 := a.Lat * rad
	lat2 := b.Lat * rad
	sinDLat := math.Sin((b.Lat - a.Lat) * rad / 2)
	sinDLng := math.Sin((b.Lng - a.Lng) * rad / 2)
	h := sinDLat*sinDLat + math.Cos(lat1)*math.Cos(lat2)*sinDLng*sinDLng
	return 2 * EarthRadius * math.Asin(math.Sqrt(math.Min(1, h)))
}

// Contains 点在区域半径加显示缓冲范围内（含边界）
func Contains(zone models.GeofenceZone, p models.LatLng, buffer float64) (float64, bool) {
	d := Distance(p, zone.Center)
	return d, d <= zone.Radius+buffer
}
