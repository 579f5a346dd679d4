// Package geocode 反向地理编码（Nominatim reverse jsonv2），结果按坐标缓存。
package geocode

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// DefaultBaseURL Nominatim 公共服务
const DefaultBaseURL = "https://nominatim.openstreetmap.org"

// ErrNoAddress 服务没有返回地址
var ErrNoAddress = errors.New("no address for coordinates")

// reverseResponse Nominatim reverse 响应（只取需要的字段）
type reverseResponse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

// Client Nominatim 客户端
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewClient 创建客户端；Nominatim 要求请求携带可识别的 User-Agent
func NewClient(baseURL, userAgent string, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json")
	if userAgent != "" {
		client.SetHeader("User-Agent", userAgent)
	}

	return &Client{
		httpClient: client,
		logger:     logger,
	}
}

// Reverse 坐标 -> 地址
func (c *Client) Reverse(ctx context.Context, lat, lng float64) (string, error) {
	var result reverseResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"format": "jsonv2",
			"lat":    strconv.FormatFloat(lat, 'f', -1, 64),
			"lon":    strconv.FormatFloat(lng, 'f', -1, 64),
		}).
		SetResult(&result).
		Get("/reverse")
	if err != nil {
		return "", fmt.Errorf("failed to call reverse geocode: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("reverse geocode returned status %d", resp.StatusCode())
	}
	if result.DisplayName == "" {
		if result.Error != "" {
			c.logger.Debug("Reverse geocode has no result",
				zap.Float64("lat", lat),
				zap.Float64("lng", lng),
				zap.String("reason", result.Error),
			)
		}
		return "", ErrNoAddress
	}
	return result.DisplayName, nil
}
