// Package parser 将设备状态文档中编码不一的字段（时间戳、坐标）规范化。
// 所有解析都不会 panic，无法识别的输入一律返回 nil。
package parser

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/Mhacccc/tracking-app/internal/models"
)

// toFloat 将 JSON 解码后可能出现的数值类型统一为 float64
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// wireNumber 解析线格式的数值字段：{"doubleValue": x} 或 {"integerValue": "x"}
func wireNumber(v any) (float64, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return 0, false
	}
	if d, ok := m["doubleValue"]; ok {
		return toFloat(d)
	}
	switch iv := m["integerValue"].(type) {
	case string:
		n, err := strconv.ParseInt(iv, 10, 64)
		if err != nil {
			return 0, false
		}
		return float64(n), true
	case nil:
		return 0, false
	default:
		return toFloat(iv)
	}
}

func pair(lat, lng float64) *models.LatLng {
	return &models.LatLng{Lat: lat, Lng: lng}
}
