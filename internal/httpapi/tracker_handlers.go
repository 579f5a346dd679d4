package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Mhacccc/tracking-app/internal/geofence"
	"github.com/Mhacccc/tracking-app/internal/models"
	"github.com/Mhacccc/tracking-app/internal/notify"
	"github.com/Mhacccc/tracking-app/internal/report"
	"github.com/Mhacccc/tracking-app/internal/roster"

	"go.uber.org/zap"
)

// AddressResolver 反向地理编码（失败时返回空字符串）
type AddressResolver interface {
	Address(ctx context.Context, lat, lng float64) string
}

// TrackerHandler 看护人端接口
type TrackerHandler struct {
	roster    *roster.Store
	zones     *geofence.Engine
	alerts    *notify.Log
	addresses AddressResolver
	clock     func() time.Time
	logger    *zap.Logger
}

func NewTrackerHandler(rosterStore *roster.Store, zones *geofence.Engine, alerts *notify.Log, addresses AddressResolver, logger *zap.Logger) *TrackerHandler {
	return &TrackerHandler{
		roster:    rosterStore,
		zones:     zones,
		alerts:    alerts,
		addresses: addresses,
		clock:     time.Now,
		logger:    logger,
	}
}

type shapeRequest struct {
	Center *models.LatLng `json:"center"`
	Radius float64        `json:"radius"`
}

func (h *TrackerHandler) GetRoster(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.roster.Snapshot()))
}

func (h *TrackerHandler) GetFocus(w http.ResponseWriter, r *http.Request) {
	snap := h.roster.Snapshot()
	center, id := roster.FocusPoint(snap.Entities, roster.DefaultCenter)
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"center":   center,
		"entityId": id,
	}))
}

func (h *TrackerHandler) SwitchCaregiver(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		CaregiverID string `json:"caregiverId"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &payload); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}
	if payload.CaregiverID == "" {
		writeJSON(w, http.StatusOK, Fail("caregiverId is required"))
		return
	}
	h.writeLoadResult(w, h.roster.SwitchCaregiver(r.Context(), payload.CaregiverID))
}

// ReloadRoster 加载失败后手动重试
func (h *TrackerHandler) ReloadRoster(w http.ResponseWriter, r *http.Request) {
	caregiverID := h.roster.Snapshot().CaregiverID
	if caregiverID == "" {
		writeJSON(w, http.StatusOK, Fail("no caregiver selected"))
		return
	}
	h.writeLoadResult(w, h.roster.Load(r.Context(), caregiverID))
}

func (h *TrackerHandler) writeLoadResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, Ok(h.roster.Snapshot()))
	case errors.Is(err, roster.ErrProfileMissing):
		writeJSON(w, http.StatusOK, Fail("caregiver profile missing"))
	default:
		writeJSON(w, http.StatusOK, Fail(fmt.Sprintf("failed to load roster: %v", err)))
	}
}

func (h *TrackerHandler) ListZones(w http.ResponseWriter, r *http.Request) {
	zones := h.zones.Zones()
	if zones == nil {
		zones = []models.GeofenceZone{}
	}
	writeJSON(w, http.StatusOK, Ok(zones))
}

func (h *TrackerHandler) DeleteZones(w http.ResponseWriter, r *http.Request) {
	ids, ok := parseIDs(r.URL.Query()["id"])
	if !ok {
		writeJSON(w, http.StatusOK, Fail("id is required"))
		return
	}
	n, err := h.zones.DeleteZones(r.Context(), ids...)
	if err != nil {
		h.logger.Error("Failed to delete geofences", zap.Error(err))
		writeJSON(w, http.StatusOK, Fail(fmt.Sprintf("failed to delete geofences: %v", err)))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]int{"deleted": n}))
}

func (h *TrackerHandler) GetDraft(w http.ResponseWriter, r *http.Request) {
	a := h.zones.Authoring()
	resp := map[string]any{"state": a.State(), "draft": nil}
	if shape, ok := a.Draft(); ok {
		resp["draft"] = shape
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// SubmitDraft 开始绘制并提交形状；形状无效时放弃本次绘制
func (h *TrackerHandler) SubmitDraft(w http.ResponseWriter, r *http.Request) {
	var payload shapeRequest
	if err := readBodyJSON(r, maxBodyBytes, &payload); err != nil || payload.Center == nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}
	a := h.zones.Authoring()
	if err := a.BeginDrawing(); err != nil {
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}
	shape := geofence.Shape{Center: *payload.Center, Radius: payload.Radius}
	if err := a.SubmitShape(shape); err != nil {
		_ = a.Cancel()
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"state": a.State(), "draft": shape}))
}

func (h *TrackerHandler) CancelDraft(w http.ResponseWriter, r *http.Request) {
	if err := h.zones.Authoring().Cancel(); err != nil {
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"state": geofence.StateIdle}))
}

func (h *TrackerHandler) CommitDraft(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &payload); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}
	zone, err := h.zones.CommitDraft(r.Context(), payload.Name)
	if err != nil {
		if !errors.Is(err, geofence.ErrNoDraft) && !errors.Is(err, geofence.ErrEmptyName) {
			h.logger.Error("Failed to save geofence", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(zone))
}

func (h *TrackerHandler) UpdateZone(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid zone id"))
		return
	}
	var payload shapeRequest
	if err := readBodyJSON(r, maxBodyBytes, &payload); err != nil || payload.Center == nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}
	zone, err := h.zones.UpdateZone(r.Context(), id, *payload.Center, payload.Radius)
	if err != nil {
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(zone))
}

func (h *TrackerHandler) GetContainments(w http.ResponseWriter, r *http.Request) {
	items := h.zones.Containments()
	if items == nil {
		items = []models.Containment{}
	}
	writeJSON(w, http.StatusOK, Ok(items))
}

func (h *TrackerHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	records, err := h.alerts.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, Fail(fmt.Sprintf("failed to read notifications: %v", err)))
		return
	}
	if records == nil {
		records = []notify.AlertRecord{}
	}
	unread := 0
	for _, rec := range records {
		if rec.Unread {
			unread++
		}
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items":  records,
		"unread": unread,
	}))
}

// MarkNotificationsRead body 带 id 时只标记一条，否则全部标记已读
func (h *TrackerHandler) MarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &payload); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}
	if payload.ID != "" {
		if err := h.alerts.MarkRead(r.Context(), payload.ID); err != nil {
			writeJSON(w, http.StatusOK, Fail(err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, Ok(map[string]int{"updated": 1}))
		return
	}
	n, err := h.alerts.MarkAllRead(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]int{"updated": n}))
}

func (h *TrackerHandler) GetAddress(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, okLat := parseFloat(q.Get("lat"))
	lng, okLng := parseFloat(q.Get("lng"))
	if !okLat || !okLng || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		writeJSON(w, http.StatusOK, Fail("lat and lng are required"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]string{"address": h.addresses.Address(r.Context(), lat, lng)}))
}

func (h *TrackerHandler) ExportReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap := h.roster.Snapshot()
	alerts, err := h.alerts.List(ctx)
	if err != nil {
		writeJSON(w, http.StatusOK, Fail(fmt.Sprintf("failed to read notifications: %v", err)))
		return
	}

	addresses := make(map[string]string, len(snap.Entities))
	for _, e := range snap.Entities {
		if e.Position == nil {
			continue
		}
		if addr := h.addresses.Address(ctx, e.Position.Lat, e.Position.Lng); addr != "" {
			addresses[e.ID] = addr
		}
	}

	now := h.clock()
	data, err := report.BuildReport(report.Data{
		GeneratedAt: now,
		Entities:    snap.Entities,
		Zones:       h.zones.Zones(),
		Alerts:      alerts,
		Addresses:   addresses,
	})
	if err != nil {
		h.logger.Error("Failed to build report", zap.Error(err))
		writeJSON(w, http.StatusOK, Fail(fmt.Sprintf("failed to build report: %v", err)))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=roster-report-%s.xlsx", now.Format("20060102")))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
