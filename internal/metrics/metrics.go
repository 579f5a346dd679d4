// Package metrics Prometheus 指标（花名册发布、巡检、订阅错误、围栏告警等）。
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	RosterPublishes    prometheus.Counter
	RosterSweeps       prometheus.Counter
	RosterLoadFailures prometheus.Counter
	SubscriptionErrors prometheus.Counter
	StatusIngested     *prometheus.CounterVec
	AlertsEmitted      *prometheus.CounterVec
	GeocodeLookups     *prometheus.CounterVec

	EntitiesOnline  prometheus.Gauge
	EntitiesTracked prometheus.Gauge
	GeofenceZones   prometheus.Gauge
)

// Init 注册指标（幂等）
func Init() {
	once.Do(func() {
		RosterPublishes = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_roster_publishes_total", Help: "Number of roster snapshots published"})
		RosterSweeps = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_roster_sweeps_total", Help: "Number of staleness sweeps executed"})
		RosterLoadFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_roster_load_failures_total", Help: "Number of failed initial roster loads"})
		SubscriptionErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_subscription_errors_total", Help: "Number of live status subscription errors"})
		StatusIngested = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tracker_status_ingested_total", Help: "Device status messages ingested from MQTT"}, []string{"result"})
		AlertsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tracker_alerts_emitted_total", Help: "Alerts appended to the notification log"}, []string{"kind"})
		GeocodeLookups = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tracker_geocode_lookups_total", Help: "Reverse geocode lookups"}, []string{"result"})
		EntitiesOnline = promauto.NewGauge(prometheus.GaugeOpts{Name: "tracker_entities_online", Help: "Entities currently online"})
		EntitiesTracked = promauto.NewGauge(prometheus.GaugeOpts{Name: "tracker_entities_tracked", Help: "Entities in the current roster"})
		GeofenceZones = promauto.NewGauge(prometheus.GaugeOpts{Name: "tracker_geofence_zones", Help: "Persisted geofence zones"})
	})
}

// ObserveRoster 记录一次花名册发布
func ObserveRoster(tracked, online int) {
	if RosterPublishes == nil {
		return
	}
	RosterPublishes.Inc()
	EntitiesTracked.Set(float64(tracked))
	EntitiesOnline.Set(float64(online))
}

// IncSweep 记录一次巡检
func IncSweep() {
	if RosterSweeps != nil {
		RosterSweeps.Inc()
	}
}

// IncLoadFailure 记录一次加载失败
func IncLoadFailure() {
	if RosterLoadFailures != nil {
		RosterLoadFailures.Inc()
	}
}

// IncSubscriptionError 记录一次订阅错误
func IncSubscriptionError() {
	if SubscriptionErrors != nil {
		SubscriptionErrors.Inc()
	}
}

// IncStatusIngested result: ok / invalid / failed
func IncStatusIngested(result string) {
	if StatusIngested != nil {
		StatusIngested.WithLabelValues(result).Inc()
	}
}

// AddAlerts kind: geofence / sos / battery
func AddAlerts(kind string, n int) {
	if AlertsEmitted != nil && n > 0 {
		AlertsEmitted.WithLabelValues(kind).Add(float64(n))
	}
}

// IncGeocode result: hit / miss / error
func IncGeocode(result string) {
	if GeocodeLookups != nil {
		GeocodeLookups.WithLabelValues(result).Inc()
	}
}

// SetZones 记录当前围栏数
func SetZones(n int) {
	if GeofenceZones != nil {
		GeofenceZones.Set(float64(n))
	}
}
