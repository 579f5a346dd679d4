package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int

	// ConnMaxLifetime 连接最长存活时间，0 表示不限
	ConnMaxLifetime time.Duration
	// ConnectTimeout 建立连接超时（秒），同样作用于 LISTEN 连接的重连
	ConnectTimeout int
	// ApplicationName 出现在 pg_stat_activity 中，便于区分 LISTEN 连接
	ApplicationName string
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// PoolSize 0 表示使用 go-redis 默认值
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	MaxRetries   int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// GetDSN 获取数据库连接字符串（lib/pq 格式，也用于 pq.Listener）
func (c *DatabaseConfig) GetDSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
	if c.ConnectTimeout > 0 {
		dsn += fmt.Sprintf(" connect_timeout=%d", c.ConnectTimeout)
	}
	if c.ApplicationName != "" {
		dsn += " application_name=" + c.ApplicationName
	}
	return dsn
}

// LoadFromEnv 从环境变量加载配置
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		c.Host = host
	}
	if port, ok := envInt(prefix + "_PORT"); ok {
		c.Port = port
	}
	if user := os.Getenv(prefix + "_USER"); user != "" {
		c.User = user
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if database := os.Getenv(prefix + "_NAME"); database != "" {
		c.Database = database
	}
	if sslMode := os.Getenv(prefix + "_SSLMODE"); sslMode != "" {
		c.SSLMode = sslMode
	}
	if maxConns, ok := envInt(prefix + "_MAX_CONNS"); ok {
		c.MaxConns = maxConns
	}
	if maxIdle, ok := envInt(prefix + "_MAX_IDLE"); ok {
		c.MaxIdle = maxIdle
	}
	if lifetime, ok := envInt(prefix + "_CONN_MAX_LIFETIME_SEC"); ok && lifetime >= 0 {
		c.ConnMaxLifetime = time.Duration(lifetime) * time.Second
	}
	if timeout, ok := envInt(prefix + "_CONNECT_TIMEOUT_SEC"); ok && timeout >= 0 {
		c.ConnectTimeout = timeout
	}
	if name := os.Getenv(prefix + "_APP_NAME"); name != "" {
		c.ApplicationName = name
	}
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if db, ok := envInt(prefix + "_DB"); ok {
		c.DB = db
	}
	if poolSize, ok := envInt(prefix + "_POOL_SIZE"); ok && poolSize >= 0 {
		c.PoolSize = poolSize
	}
	if minIdle, ok := envInt(prefix + "_MIN_IDLE_CONNS"); ok && minIdle >= 0 {
		c.MinIdleConns = minIdle
	}
	if dial, ok := envInt(prefix + "_DIAL_TIMEOUT_SEC"); ok && dial > 0 {
		c.DialTimeout = time.Duration(dial) * time.Second
	}
	if retries, ok := envInt(prefix + "_MAX_RETRIES"); ok {
		c.MaxRetries = retries
	}
}

// LoadFromEnv 从环境变量加载MQTT配置
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	if broker := os.Getenv(prefix + "_BROKER"); broker != "" {
		c.Broker = broker
	}
	if clientID := os.Getenv(prefix + "_CLIENT_ID"); clientID != "" {
		c.ClientID = clientID
	}
	if username := os.Getenv(prefix + "_USERNAME"); username != "" {
		c.Username = username
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if qos, ok := envInt(prefix + "_QOS"); ok && qos >= 0 && qos <= 2 {
		c.QoS = byte(qos)
	}
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
