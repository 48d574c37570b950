package main

import (
	"time"

	"github.com/iot-ota-sdk/pkg/config"
	"github.com/jessevdk/go-flags"
)

type options struct {
	ShowVersion bool `short:"v" long:"version" description:"Display version information and exit"`
	Debug       bool `long:"debug" description:"Start the agent in debug mode"`

	DeviceID     string `long:"device-id" description:"Device identifier"`
	DeviceSecret string `long:"device-secret" description:"Device secret used to sign requests"`
	VersionFile  string `long:"version-file" description:"File recording the installed firmware version"`

	ServerURL     string        `long:"server" description:"Base URL of the update server"`
	UpdateTimeout time.Duration `long:"update-timeout" description:"Timeout of a firmware download"`

	NoAutoUpdate     bool          `long:"no-auto-update" description:"Only check for updates when triggered"`
	CheckInterval    time.Duration `long:"check-interval" description:"Interval between update checks"`
	InitialDelay     time.Duration `long:"initial-delay" description:"Delay before the first update check"`
	NoReport         bool          `long:"no-report" description:"Do not report status to the update server"`
	AnnounceDownload bool          `long:"announce-download" description:"Send a firmware request before downloading"`

	FlashDir string `long:"flash-dir" description:"Directory holding the firmware slots"`
	SlotSize uint64 `long:"slot-size" description:"Maximum image size in bytes"`

	RebootCommand string `long:"reboot-command" description:"Command run to restart into a new image"`

	MQTTHost string `long:"mqtt-host" description:"MQTT broker host, enables MQTT telemetry and commands"`
	MQTTPort int    `long:"mqtt-port" description:"MQTT broker port"`
	MQTTTLS  bool   `long:"mqtt-tls" description:"Connect to the broker over TLS"`

	CACert     string `long:"ca-cert" description:"PEM file with trusted CA certificates"`
	SkipVerify bool   `long:"insecure-skip-verify" description:"Do not verify server certificates"`

	RedisAddr string `long:"redis" description:"Redis address for local state publishing"`
	RedisDB   int    `long:"redis-db" description:"Redis database"`

	APIListen string `long:"api" description:"Listen address of the local control API"`
}

// loadConfig reads the environment and overlays the command line flags.
func loadConfig() (*options, *config.Config, error) {
	opts := &options{}
	if _, err := flags.Parse(opts); err != nil {
		return nil, nil, err
	}

	cfg := config.NewConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, nil, err
	}

	setString(&cfg.Device.ID, opts.DeviceID)
	setString(&cfg.Device.Secret, opts.DeviceSecret)
	setString(&cfg.Device.VersionFile, opts.VersionFile)
	setString(&cfg.Server.URL, opts.ServerURL)
	setDuration(&cfg.Server.UpdateTimeout, opts.UpdateTimeout)

	if opts.NoAutoUpdate {
		cfg.Update.AutoUpdate = false
	}
	if opts.NoReport {
		cfg.Update.ReportStatus = false
	}
	if opts.AnnounceDownload {
		cfg.Update.AnnounceDownload = true
	}
	setDuration(&cfg.Update.CheckInterval, opts.CheckInterval)
	setDuration(&cfg.Update.InitialDelay, opts.InitialDelay)

	setString(&cfg.Flash.Dir, opts.FlashDir)
	if opts.SlotSize > 0 {
		cfg.Flash.SlotSize = opts.SlotSize
	}

	if opts.MQTTHost != "" {
		cfg.MQTT.Enabled = true
		cfg.MQTT.Host = opts.MQTTHost
	}
	if opts.MQTTPort > 0 {
		cfg.MQTT.Port = opts.MQTTPort
	}
	if opts.MQTTTLS {
		cfg.MQTT.UseTLS = true
	}

	setString(&cfg.TLS.CACert, opts.CACert)
	if opts.SkipVerify {
		cfg.TLS.SkipVerify = true
	}

	setString(&cfg.Redis.Addr, opts.RedisAddr)
	if opts.RedisDB > 0 {
		cfg.Redis.DB = opts.RedisDB
	}
	setString(&cfg.API.Listen, opts.APIListen)

	return opts, cfg, nil
}

func setString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func setDuration(target *time.Duration, value time.Duration) {
	if value > 0 {
		*target = value
	}
}
