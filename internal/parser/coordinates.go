package parser

import "github.com/Mhacccc/tracking-app/internal/models"

// coordinateRule 单个坐标编码识别规则
type coordinateRule struct {
	name  string
	parse func(raw any) (*models.LatLng, bool)
}

// coordinateRules 按优先级排列；新增编码只需追加规则
var coordinateRules = []coordinateRule{
	{name: "wire-array", parse: parseWireArray},
	{name: "latitude-longitude", parse: namedFields("latitude", "longitude")},
	{name: "lat-lng", parse: namedFields("lat", "lng")},
	{name: "sequence", parse: parseSequence},
	{name: "native", parse: parseNative},
}

// ParseCoordinates 解析坐标，无法识别时返回 nil（不做默认位置兜底）
func ParseCoordinates(raw any) *models.LatLng {
	if raw == nil {
		return nil
	}
	for _, rule := range coordinateRules {
		if p, ok := rule.parse(raw); ok {
			return p
		}
	}
	return nil
}

// {"arrayValue": {"values": [{"doubleValue": lat}, {"doubleValue": lng}]}}
func parseWireArray(raw any) (*models.LatLng, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	arr, ok := m["arrayValue"].(map[string]any)
	if !ok {
		return nil, false
	}
	values, ok := arr["values"].([]any)
	if !ok || len(values) < 2 {
		return nil, false
	}
	lat, ok := wireNumber(values[0])
	if !ok {
		return nil, false
	}
	lng, ok := wireNumber(values[1])
	if !ok {
		return nil, false
	}
	return pair(lat, lng), true
}

func namedFields(latKey, lngKey string) func(raw any) (*models.LatLng, bool) {
	return func(raw any) (*models.LatLng, bool) {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, false
		}
		lat, ok := toFloat(m[latKey])
		if !ok {
			return nil, false
		}
		lng, ok := toFloat(m[lngKey])
		if !ok {
			return nil, false
		}
		return pair(lat, lng), true
	}
}

// [lat, lng] 或 [lat, lng, alt]，只取前两个
func parseSequence(raw any) (*models.LatLng, bool) {
	switch seq := raw.(type) {
	case []any:
		if len(seq) < 2 {
			return nil, false
		}
		lat, ok := toFloat(seq[0])
		if !ok {
			return nil, false
		}
		lng, ok := toFloat(seq[1])
		if !ok {
			return nil, false
		}
		return pair(lat, lng), true
	case []float64:
		if len(seq) < 2 {
			return nil, false
		}
		return parseSequence([]any{seq[0], seq[1]})
	case [2]float64:
		return parseSequence([]any{seq[0], seq[1]})
	}
	return nil, false
}

func parseNative(raw any) (*models.LatLng, bool) {
	switch p := raw.(type) {
	case models.LatLng:
		return pair(p.Lat, p.Lng), true
	case *models.LatLng:
		if p == nil {
			return nil, false
		}
		return pair(p.Lat, p.Lng), true
	}
	return nil, false
}
