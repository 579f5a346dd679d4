package parser

import (
	"time"
)

// TimeConverter 能自行转换为时间点的对象（如 SDK 的 Timestamp 类型）
type TimeConverter interface {
	ToTime() time.Time
}

type timestampRule struct {
	name  string
	parse func(raw any) (time.Time, bool)
}

var timestampRules = []timestampRule{
	{name: "native", parse: parseNativeTime},
	{name: "converter", parse: parseConvertibleTime},
	{name: "wire", parse: parseWireTimestamp},
	{name: "iso8601", parse: parseISOTimestamp},
}

// 无时区的 ISO-8601 按 UTC 处理
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp 解析时间戳，无法识别时返回 nil
func ParseTimestamp(raw any) *time.Time {
	if raw == nil {
		return nil
	}
	for _, rule := range timestampRules {
		if t, ok := rule.parse(raw); ok {
			if t.IsZero() {
				return nil
			}
			return &t
		}
	}
	return nil
}

func parseNativeTime(raw any) (time.Time, bool) {
	switch t := raw.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	}
	return time.Time{}, false
}

// 支持实现了 ToTime 的对象，以及 JSON 序列化后的 {seconds, nanoseconds}
func parseConvertibleTime(raw any) (time.Time, bool) {
	if c, ok := raw.(TimeConverter); ok {
		return c.ToTime(), true
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return time.Time{}, false
	}
	for _, keys := range [][2]string{{"seconds", "nanoseconds"}, {"_seconds", "_nanoseconds"}} {
		sec, ok := toFloat(m[keys[0]])
		if !ok {
			continue
		}
		nsec, _ := toFloat(m[keys[1]])
		return time.Unix(int64(sec), int64(nsec)).UTC(), true
	}
	return time.Time{}, false
}

// {"timestampValue": "2024-05-01T10:00:00Z"}
func parseWireTimestamp(raw any) (time.Time, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return time.Time{}, false
	}
	s, ok := m["timestampValue"].(string)
	if !ok {
		return time.Time{}, false
	}
	return parseISOString(s)
}

func parseISOTimestamp(raw any) (time.Time, bool) {
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, false
	}
	return parseISOString(s)
}

func parseISOString(s string) (time.Time, bool) {
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
