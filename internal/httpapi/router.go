package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 /metrics）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// HealthCheck 依赖检查，返回 nil 表示正常
type HealthCheck func(ctx context.Context) error

// RegisterSystemRoutes 健康检查与指标；任一依赖异常时 status 为 degraded
func (r *Router) RegisterSystemRoutes(checks map[string]HealthCheck) {
	r.Handle("/health", func(w http.ResponseWriter, req *http.Request) {
		status := "ok"
		deps := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(req.Context()); err != nil {
				status = "degraded"
				deps[name] = err.Error()
				r.logger.Warn("Health check failed", zap.String("dependency", name), zap.Error(err))
				continue
			}
			deps[name] = "ok"
		}
		writeJSON(w, http.StatusOK, Ok(map[string]any{"status": status, "dependencies": deps}))
	})
	r.HandleHandler("/metrics", promhttp.Handler())
}

// RegisterTrackerRoutes 注册花名册、围栏、通知、地址与报表路由
func (r *Router) RegisterTrackerRoutes(h *TrackerHandler) {
	// roster
	r.Handle("/api/v1/roster", methodOnly(http.MethodGet, h.GetRoster))
	r.Handle("/api/v1/roster/focus", methodOnly(http.MethodGet, h.GetFocus))
	r.Handle("/api/v1/roster/caregiver", methodOnly(http.MethodPost, h.SwitchCaregiver))
	r.Handle("/api/v1/roster/reload", methodOnly(http.MethodPost, h.ReloadRoster))

	// geofences
	r.Handle("/api/v1/geofences", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			h.ListZones(w, req)
		case http.MethodDelete:
			h.DeleteZones(w, req)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	r.Handle("/api/v1/geofences/draft", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			h.GetDraft(w, req)
		case http.MethodPost:
			h.SubmitDraft(w, req)
		case http.MethodDelete:
			h.CancelDraft(w, req)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	r.Handle("/api/v1/geofences/draft/commit", methodOnly(http.MethodPost, h.CommitDraft))
	r.Handle("/api/v1/geofences/containments", methodOnly(http.MethodGet, h.GetContainments))
	// geofences/{id}
	r.Handle("/api/v1/geofences/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(req.URL.Path, "/api/v1/geofences/")
		if id == "" || strings.Contains(id, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.UpdateZone(w, req, id)
	})

	// notifications
	r.Handle("/api/v1/notifications", methodOnly(http.MethodGet, h.ListNotifications))
	r.Handle("/api/v1/notifications/read", methodOnly(http.MethodPost, h.MarkNotificationsRead))

	r.Handle("/api/v1/address", methodOnly(http.MethodGet, h.GetAddress))
	r.Handle("/api/v1/report.xlsx", methodOnly(http.MethodGet, h.ExportReport))
}

func methodOnly(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != method {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, req)
	}
}
