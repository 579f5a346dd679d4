// Package presence 根据最后上报时间判断佩戴者是否在线。
package presence

import "time"

// DefaultOnlineThreshold 在线判定阈值：最后上报距今小于该值视为在线
const DefaultOnlineThreshold = time.Minute

// IsOnline lastSeen 为空时恒为 false；否则 now-lastSeen < threshold 时为 true
func IsOnline(lastSeen *time.Time, threshold time.Duration, now time.Time) bool {
	if lastSeen == nil {
		return false
	}
	return now.Sub(*lastSeen) < threshold
}
