package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamMessage Redis Streams 消息
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// StreamValues 将任意值转换为 Redis Streams 字段（全部转为字符串，复杂值用 JSON）
func StreamValues(values map[string]interface{}) (map[string]interface{}, error) {
	streamValues := make(map[string]interface{}, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			streamValues[k] = val
		case []byte:
			streamValues[k] = string(val)
		case int:
			streamValues[k] = strconv.Itoa(val)
		case int64:
			streamValues[k] = strconv.FormatInt(val, 10)
		case float64:
			streamValues[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			streamValues[k] = strconv.FormatBool(val)
		default:
			jsonBytes, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal stream field %s: %w", k, err)
			}
			streamValues[k] = string(jsonBytes)
		}
	}
	return streamValues, nil
}

// PublishToStream 发布消息到 Redis Streams；maxLen > 0 时近似裁剪到该长度
// client 为 Pipeliner 时返回的 ID 在管道执行前为空
func PublishToStream(ctx context.Context, client redis.Cmdable, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	streamValues, err := StreamValues(values)
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: streamValues,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return client.XAdd(ctx, args).Result()
}

// ReadFromStream 从 Redis Streams 读取 lastID 之后的消息（XREAD，不使用消费者组）
// 每个订阅者都需要看到全部变更，所以这里不用 XREADGROUP
// 返回的 lastID 为本批最后一条消息的 ID；无消息时原样返回
func ReadFromStream(ctx context.Context, client *redis.Client, stream, lastID string, count int64, block time.Duration) ([]StreamMessage, string, error) {
	streams, err := client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, lastID, nil
		}
		return nil, lastID, err
	}

	var messages []StreamMessage
	for _, s := range streams {
		for _, msg := range s.Messages {
			messages = append(messages, StreamMessage{
				Stream: s.Stream,
				ID:     msg.ID,
				Values: msg.Values,
			})
			lastID = msg.ID
		}
	}

	return messages, lastID, nil
}

// LastStreamID 返回流中最新消息的 ID（流不存在时返回 "0"）
// 订阅从此 ID 之后开始，避免 "$" 在两次 XREAD 之间丢消息
func LastStreamID(ctx context.Context, client *redis.Client, stream string) (string, error) {
	msgs, err := client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		if err == redis.Nil {
			return "0", nil
		}
		return "", err
	}
	if len(msgs) == 0 {
		return "0", nil
	}
	return msgs[0].ID, nil
}
