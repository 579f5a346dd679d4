// Package consumer 手环遥测接入：MQTT bracelet/{deviceId}/status -> deviceStatus 文档。
package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqttcommon "github.com/Mhacccc/tracking-app/common/mqtt"
	"github.com/Mhacccc/tracking-app/internal/metrics"
	"github.com/Mhacccc/tracking-app/internal/repository"

	"go.uber.org/zap"
)

// Subscriber MQTT 订阅能力（common/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// MQTTConsumer 设备状态消费者
type MQTTConsumer struct {
	subscriber Subscriber
	docs       repository.DocumentStore
	collection string
	topic      string
	qos        byte
	logger     *zap.Logger

	clock   func() time.Time
	timeout time.Duration
}

// NewMQTTConsumer 创建消费者；topic 形如 bracelet/+/status
func NewMQTTConsumer(subscriber Subscriber, docs repository.DocumentStore, collection, topic string, qos byte, logger *zap.Logger) *MQTTConsumer {
	return &MQTTConsumer{
		subscriber: subscriber,
		docs:       docs,
		collection: collection,
		topic:      topic,
		qos:        qos,
		logger:     logger,
		clock:      time.Now,
		timeout:    5 * time.Second,
	}
}

// Start 订阅状态主题
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if err := c.subscriber.Subscribe(c.topic, c.qos, c.HandleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to status topic: %w", err)
	}
	c.logger.Info("MQTT status consumer started", zap.String("topic", c.topic))
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	if err := c.subscriber.Unsubscribe(c.topic); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	c.logger.Info("MQTT status consumer stopped")
	return nil
}

// HandleMessage 处理一条状态消息
// 空 payload（或 null）表示设备状态被删除；格式错误的消息记录后丢弃
func (c *MQTTConsumer) HandleMessage(topic string, payload []byte) error {
	deviceID, ok := deviceIDFromTopic(topic)
	if !ok {
		metrics.IncStatusIngested("invalid")
		c.logger.Warn("Dropping status message with unexpected topic", zap.String("topic", topic))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return c.remove(ctx, deviceID)
	}

	var fields map[string]any
	if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
		metrics.IncStatusIngested("invalid")
		c.logger.Warn("Dropping malformed status payload",
			zap.String("device_id", deviceID),
			zap.Int("payload_size", len(payload)),
			zap.Error(err),
		)
		return nil
	}

	if _, ok := fields["lastSeen"]; !ok {
		fields["lastSeen"] = c.clock().UTC().Format(time.RFC3339Nano)
	}
	if id, _ := fields["userId"].(string); id == "" {
		fields["userId"] = deviceID
	}

	if err := c.docs.Patch(ctx, c.collection, deviceID, fields); err != nil {
		metrics.IncStatusIngested("failed")
		return fmt.Errorf("failed to write status for %s: %w", deviceID, err)
	}
	metrics.IncStatusIngested("ok")

	c.logger.Debug("Device status ingested",
		zap.String("device_id", deviceID),
		zap.Int("fields", len(fields)),
	)
	return nil
}

func (c *MQTTConsumer) remove(ctx context.Context, deviceID string) error {
	deleter, ok := c.docs.(repository.Deleter)
	if !ok {
		metrics.IncStatusIngested("invalid")
		c.logger.Warn("Status store does not support removal", zap.String("device_id", deviceID))
		return nil
	}
	if err := deleter.Delete(ctx, c.collection, deviceID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		metrics.IncStatusIngested("failed")
		return fmt.Errorf("failed to remove status for %s: %w", deviceID, err)
	}
	metrics.IncStatusIngested("removed")
	c.logger.Info("Device status removed", zap.String("device_id", deviceID))
	return nil
}

// deviceIDFromTopic bracelet/{deviceId}/status
func deviceIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
