// Package notify 看护人通知：告警记录持久化（KV）以及 SOS / 低电量监控。
package notify

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	TitleGeofence   = "Geofence Alert"
	TitleSOS        = "SOS Alert"
	TitleLowBattery = "Low Battery Alert"

	// TimeLayout 告警列表显示的时间格式
	TimeLayout = "3:04:05 PM"
)

// AlertID 告警 ID；历史数据中可能是数字，写回时保持原来的 JSON 形式
type AlertID struct {
	value   string
	numeric bool
}

// StringID 字符串 ID
func StringID(s string) AlertID {
	return AlertID{value: s}
}

func (id AlertID) String() string {
	return id.value
}

// MarshalJSON 数字 ID 按原文输出
func (id AlertID) MarshalJSON() ([]byte, error) {
	if id.numeric {
		return []byte(id.value), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON 兼容数字 ID
func (id *AlertID) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(data, []byte(`"`)) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = AlertID{value: s}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*id = AlertID{value: n.String(), numeric: true}
	return nil
}

// AlertRecord 持久化的告警记录
type AlertRecord struct {
	ID      AlertID `json:"id"`
	Title   string  `json:"title"`
	Message string  `json:"message"`
	Time    string  `json:"time"`
	Icon    string  `json:"icon"`
	Unread  bool    `json:"unread"`

	// EntityID 只在内存中使用，不持久化
	EntityID string `json:"-"`
}

// NewAlert 生成一条未读告警
func NewAlert(title, message, icon, entityID string, at time.Time) AlertRecord {
	return AlertRecord{
		ID:       StringID(uuid.New().String()),
		Title:    title,
		Message:  message,
		Time:     at.Format(TimeLayout),
		Icon:     icon,
		Unread:   true,
		EntityID: entityID,
	}
}
