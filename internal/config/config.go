package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Mhacccc/tracking-app/common/config"
	"github.com/Mhacccc/tracking-app/internal/geocode"
)

// Config tracker 服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	Tracker struct {
		CaregiverID         string
		OnlineThreshold     time.Duration
		SweepInterval       time.Duration
		CaregiverCollection string
		ProfileCollection   string
		StatusCollection    string
		StatusStreamBlock   time.Duration
		StatusTopic         string
		LowBatteryPercent   int
	}

	Geofence struct {
		ZonesKey     string
		MarkerBuffer float64 // 米
	}

	Alerts struct {
		LogKey string
		Max    int
	}

	Geocode struct {
		BaseURL   string
		UserAgent string
		CacheTTL  time.Duration
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "tracker")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 5
	cfg.Database.ConnMaxLifetime = 30 * time.Minute
	cfg.Database.ConnectTimeout = 5
	cfg.Database.ApplicationName = "wisefido-tracker"
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.DialTimeout = 5 * time.Second
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-tracker")
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	var err error
	t := &cfg.Tracker
	t.CaregiverID = getEnv("CAREGIVER_ID", "")
	if t.OnlineThreshold, err = getEnvSeconds("ONLINE_THRESHOLD_SEC", 60); err != nil {
		return nil, err
	}
	if t.SweepInterval, err = getEnvSeconds("SWEEP_INTERVAL_SEC", 5); err != nil {
		return nil, err
	}
	t.CaregiverCollection = getEnv("CAREGIVER_COLLECTION", "appUsers")
	t.ProfileCollection = getEnv("PROFILE_COLLECTION", "braceletUsers")
	t.StatusCollection = getEnv("STATUS_COLLECTION", "deviceStatus")
	blockMs, err := getEnvInt("STATUS_STREAM_BLOCK_MS", 2000)
	if err != nil {
		return nil, err
	}
	t.StatusStreamBlock = time.Duration(blockMs) * time.Millisecond
	t.StatusTopic = getEnv("MQTT_STATUS_TOPIC", "bracelet/+/status")
	if t.LowBatteryPercent, err = getEnvInt("LOW_BATTERY_PERCENT", 20); err != nil {
		return nil, err
	}

	// 实际 key 为 <前缀>:<看护人 ID>
	cfg.Geofence.ZonesKey = getEnv("GEOFENCE_ZONES_KEY", "pingme_geofences")
	buffer, err := getEnvInt("GEOFENCE_MARKER_BUFFER_M", 10)
	if err != nil {
		return nil, err
	}
	cfg.Geofence.MarkerBuffer = float64(buffer)

	cfg.Alerts.LogKey = getEnv("ALERT_LOG_KEY", "pingme_geofence_alerts")
	if cfg.Alerts.Max, err = getEnvInt("ALERT_LOG_MAX", 200); err != nil {
		return nil, err
	}

	cfg.Geocode.BaseURL = getEnv("GEOCODE_BASE_URL", geocode.DefaultBaseURL)
	cfg.Geocode.UserAgent = getEnv("GEOCODE_USER_AGENT", "wisefido-tracker/1.0")
	if cfg.Geocode.CacheTTL, err = getEnvSeconds("GEOCODE_CACHE_TTL_SEC", 86400); err != nil {
		return nil, err
	}

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvSeconds(key string, defaultValue int) (time.Duration, error) {
	v, err := getEnvInt(key, defaultValue)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}
