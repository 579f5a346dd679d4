package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mhacccc/tracking-app/internal/metrics"
	"github.com/Mhacccc/tracking-app/internal/roster"

	"go.uber.org/zap"
)

// Monitor 订阅花名册，产生 SOS 与低电量告警
// SOS：sos 由 false 变为 true 时告警一次；低电量：电量 <= 阈值时告警一次，回升到阈值以上后重新布防
type Monitor struct {
	log        *Log
	lowBattery int
	clock      func() time.Time
	timeout    time.Duration
	logger     *zap.Logger

	mu          sync.Mutex
	caregiverID string
	sos         map[string]bool
	lowNotified map[string]bool
}

func NewMonitor(log *Log, lowBattery int, logger *zap.Logger) *Monitor {
	return &Monitor{
		log:         log,
		lowBattery:  lowBattery,
		clock:       time.Now,
		timeout:     5 * time.Second,
		logger:      logger,
		sos:         make(map[string]bool),
		lowNotified: make(map[string]bool),
	}
}

// HandleSnapshot 花名册订阅回调
func (m *Monitor) HandleSnapshot(snap roster.Snapshot) {
	if snap.State != roster.StateReady {
		return
	}
	alerts := m.detect(snap)
	if len(alerts) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.log.Append(ctx, alerts); err != nil {
		m.logger.Error("Failed to record alerts", zap.Int("count", len(alerts)), zap.Error(err))
		return
	}
	for _, a := range alerts {
		kind := "sos"
		if a.Title == TitleLowBattery {
			kind = "battery"
		}
		metrics.AddAlerts(kind, 1)
		m.logger.Info("Alert recorded",
			zap.String("title", a.Title),
			zap.String("entity_id", a.EntityID),
			zap.String("message", a.Message),
		)
	}
}

func (m *Monitor) detect(snap roster.Snapshot) []AlertRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.CaregiverID != m.caregiverID {
		m.caregiverID = snap.CaregiverID
		m.sos = make(map[string]bool)
		m.lowNotified = make(map[string]bool)
	}

	now := m.clock()
	var alerts []AlertRecord
	for _, e := range snap.Entities {
		if e.SOS && !m.sos[e.ID] {
			alerts = append(alerts, NewAlert(TitleSOS, fmt.Sprintf("%s triggered SOS.", e.Name), e.AvatarRef, e.ID, now))
		}
		m.sos[e.ID] = e.SOS

		// 从未上报过状态的佩戴者电量为默认 0，不告警
		if e.LastSeen == nil {
			continue
		}
		if e.Battery <= m.lowBattery {
			if !m.lowNotified[e.ID] {
				alerts = append(alerts, NewAlert(TitleLowBattery, fmt.Sprintf("%s's bracelet is at %d%%.", e.Name, e.Battery), e.AvatarRef, e.ID, now))
				m.lowNotified[e.ID] = true
			}
		} else {
			m.lowNotified[e.ID] = false
		}
	}
	return alerts
}
