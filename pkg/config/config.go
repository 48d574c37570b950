package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

type DeviceConfig struct {
	ID          string
	Secret      string
	VersionFile string
}

type ServerConfig struct {
	URL           string
	CheckTimeout  time.Duration
	InfoTimeout   time.Duration
	UpdateTimeout time.Duration
	ReportTimeout time.Duration
}

type UpdateConfig struct {
	AutoUpdate       bool
	CheckInterval    time.Duration
	InitialDelay     time.Duration
	RestartDelay     time.Duration
	ReportStatus     bool
	AnnounceDownload bool
}

type FlashConfig struct {
	Dir      string
	SlotSize uint64
}

type MQTTConfig struct {
	Enabled      bool
	Host         string
	Port         int
	UseTLS       bool
	KeepAlive    time.Duration
	ClientID     string
	CleanSession bool
}

type TLSConfig struct {
	CACert     string
	ServerName string
	SkipVerify bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type APIConfig struct {
	Listen string
}

type Config struct {
	Device DeviceConfig
	Server ServerConfig
	Update UpdateConfig
	Flash  FlashConfig
	MQTT   MQTTConfig
	TLS    TLSConfig
	Redis  RedisConfig
	API    APIConfig
}

func NewConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			VersionFile: "/var/lib/ota-agent/version.json",
		},
		Server: ServerConfig{
			CheckTimeout:  10 * time.Second,
			InfoTimeout:   10 * time.Second,
			UpdateTimeout: 120 * time.Second,
			ReportTimeout: 5 * time.Second,
		},
		Update: UpdateConfig{
			AutoUpdate:    true,
			CheckInterval: time.Hour,
			InitialDelay:  30 * time.Second,
			RestartDelay:  time.Second,
			ReportStatus:  true,
		},
		Flash: FlashConfig{
			Dir: "/var/lib/ota-agent/flash",
		},
		MQTT: MQTTConfig{
			Host:         "localhost",
			Port:         1883,
			KeepAlive:    60 * time.Second,
			CleanSession: true,
		},
	}
}

func envDuration(name string, target *time.Duration) {
	val := os.Getenv(name)
	if val == "" {
		return
	}
	if d, err := time.ParseDuration(val); err == nil {
		*target = d
		return
	}
	if secs, err := strconv.Atoi(val); err == nil {
		*target = time.Duration(secs) * time.Second
	}
}

func envBool(name string, target *bool) {
	if val := os.Getenv(name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*target = b
		}
	}
}

func envInt(name string, target *int) {
	if val := os.Getenv(name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*target = i
		}
	}
}

func envString(name string, target *string) {
	if val := os.Getenv(name); val != "" {
		*target = val
	}
}

// LoadFromEnv overrides fields from OTA_* environment variables. Durations
// accept Go syntax ("90s") or plain seconds.
func (c *Config) LoadFromEnv() error {
	envString("OTA_DEVICE_ID", &c.Device.ID)
	envString("OTA_DEVICE_SECRET", &c.Device.Secret)
	envString("OTA_VERSION_FILE", &c.Device.VersionFile)

	envString("OTA_SERVER_URL", &c.Server.URL)
	envDuration("OTA_CHECK_TIMEOUT", &c.Server.CheckTimeout)
	envDuration("OTA_INFO_TIMEOUT", &c.Server.InfoTimeout)
	envDuration("OTA_UPDATE_TIMEOUT", &c.Server.UpdateTimeout)
	envDuration("OTA_REPORT_TIMEOUT", &c.Server.ReportTimeout)

	envBool("OTA_AUTO_UPDATE", &c.Update.AutoUpdate)
	envDuration("OTA_CHECK_INTERVAL", &c.Update.CheckInterval)
	envDuration("OTA_INITIAL_DELAY", &c.Update.InitialDelay)
	envDuration("OTA_RESTART_DELAY", &c.Update.RestartDelay)
	envBool("OTA_REPORT_STATUS", &c.Update.ReportStatus)
	envBool("OTA_ANNOUNCE_DOWNLOAD", &c.Update.AnnounceDownload)

	envString("OTA_FLASH_DIR", &c.Flash.Dir)
	if val := os.Getenv("OTA_SLOT_SIZE"); val != "" {
		size, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid OTA_SLOT_SIZE: %w", err)
		}
		c.Flash.SlotSize = size
	}

	envBool("OTA_MQTT_ENABLED", &c.MQTT.Enabled)
	envString("OTA_MQTT_HOST", &c.MQTT.Host)
	envInt("OTA_MQTT_PORT", &c.MQTT.Port)
	envBool("OTA_MQTT_USE_TLS", &c.MQTT.UseTLS)
	envDuration("OTA_MQTT_KEEPALIVE", &c.MQTT.KeepAlive)
	envString("OTA_MQTT_CLIENT_ID", &c.MQTT.ClientID)

	envString("OTA_TLS_CA_CERT", &c.TLS.CACert)
	envString("OTA_TLS_SERVER_NAME", &c.TLS.ServerName)
	envBool("OTA_TLS_SKIP_VERIFY", &c.TLS.SkipVerify)

	envString("OTA_REDIS_ADDR", &c.Redis.Addr)
	envString("OTA_REDIS_PASSWORD", &c.Redis.Password)
	envInt("OTA_REDIS_DB", &c.Redis.DB)

	envString("OTA_API_LISTEN", &c.API.Listen)

	return nil
}

func (c *Config) Validate() error {
	if c.Device.ID == "" {
		return fmt.Errorf("device id is required")
	}
	if c.Server.URL == "" {
		return fmt.Errorf("server URL is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server URL must be an absolute http(s) URL")
	}
	if c.Server.CheckTimeout <= 0 || c.Server.InfoTimeout <= 0 || c.Server.UpdateTimeout <= 0 || c.Server.ReportTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if c.Update.AutoUpdate && c.Update.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be positive when auto update is enabled")
	}
	if c.Update.RestartDelay < 0 {
		return fmt.Errorf("restart delay must not be negative")
	}
	if c.Flash.Dir == "" {
		return fmt.Errorf("flash directory is required")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Host == "" {
			return fmt.Errorf("MQTT host is required")
		}
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			return fmt.Errorf("MQTT port must be between 1 and 65535")
		}
		if c.Device.Secret == "" {
			return fmt.Errorf("device secret is required for MQTT")
		}
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis db must not be negative")
	}
	return nil
}

func (c *Config) GenerateClientID() string {
	if c.MQTT.ClientID != "" {
		return c.MQTT.ClientID
	}
	return fmt.Sprintf("ota.%s", c.Device.ID)
}
