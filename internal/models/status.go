package models

// StatusRecord 设备实时状态文档（deviceStatus），字段编码不固定，保持原始 map
type StatusRecord map[string]any

// EntityID 返回状态所属佩戴者 ID（兼容 userId / userID）
func (s StatusRecord) EntityID() string {
	for _, key := range []string{"userId", "userID"} {
		if v, ok := s[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Caregiver 看护人档案（appUsers 文档）
type Caregiver struct {
	ID             string
	Name           string
	LinkedEntities []string
}
