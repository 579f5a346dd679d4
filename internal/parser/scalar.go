package parser

import (
	"math"
	"strconv"
	"strings"
)

// ParseNumber 解析数值字段：原生数值、线格式 doubleValue/integerValue 或数字字符串
func ParseNumber(raw any) (float64, bool) {
	if raw == nil {
		return 0, false
	}
	if f, ok := toFloat(raw); ok {
		return f, true
	}
	if f, ok := wireNumber(raw); ok {
		return f, true
	}
	if s, ok := raw.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// ParseBool 解析布尔字段：原生 bool、线格式 booleanValue、"true"/"false" 字符串、非零数值
func ParseBool(raw any) (bool, bool) {
	switch v := raw.(type) {
	case nil:
		return false, false
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, false
		}
		return b, true
	case map[string]any:
		if b, ok := v["booleanValue"].(bool); ok {
			return b, true
		}
		return false, false
	}
	if f, ok := toFloat(raw); ok {
		return f != 0, true
	}
	return false, false
}
