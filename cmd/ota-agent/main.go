package main

import (
	"context"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/iot-ota-sdk/pkg/agent"
	"github.com/iot-ota-sdk/pkg/api"
	"github.com/iot-ota-sdk/pkg/auth"
	"github.com/iot-ota-sdk/pkg/clock"
	"github.com/iot-ota-sdk/pkg/config"
	"github.com/iot-ota-sdk/pkg/flash"
	"github.com/iot-ota-sdk/pkg/mqtt"
	"github.com/iot-ota-sdk/pkg/ota"
	"github.com/iot-ota-sdk/pkg/rrpc"
	"github.com/iot-ota-sdk/pkg/task"
	"github.com/iot-ota-sdk/pkg/telemetry"
	tlsutil "github.com/iot-ota-sdk/pkg/tls"
	"github.com/iot-ota-sdk/pkg/transport"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// Commit stores the current commit hash of this build. This should be set using -ldflags during compilation.
	Commit string
	// Version stores the version string of this build. This should be set using -ldflags during compilation.
	Version string
	// Date stores the date of this build. This should be set using -ldflags during compilation.
	Date string
)

const shutdownTimeout = 10 * time.Second

// restarter reboots the device into a freshly installed image. Without a
// reboot command the agent exits and leaves the restart to its supervisor.
func restarter(command string, stop context.CancelFunc) func() error {
	return func() error {
		if command == "" {
			log.Info("No reboot command configured, exiting for restart.")
			stop()
			return nil
		}
		log.Infof("Running reboot command %q", command)
		cmd := exec.Command("sh", "-c", command)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}
}

func newTransport(cfg *config.Config) (*transport.Client, error) {
	tc := transport.Config{
		UserAgent: "ota-agent/" + Version,
		Logger:    log.WithField("system", "transport"),
	}
	if cfg.Device.Secret != "" {
		tc.Signer = auth.NewSigner(cfg.Device.ID, cfg.Device.Secret)
	}
	if strings.HasPrefix(cfg.Server.URL, "https") {
		tlsConfig, err := tlsutil.NewConfig(tlsutil.Options{
			CACert:     cfg.TLS.CACert,
			ServerName: cfg.TLS.ServerName,
			SkipVerify: cfg.TLS.SkipVerify,
		})
		if err != nil {
			return nil, err
		}
		tc.TLSConfig = tlsConfig
	}
	return transport.New(tc), nil
}

// otaAgentMain is the true entry point. Defers in main are not run when
// os.Exit is called.
func otaAgentMain() error {
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	opts, cfg, err := loadConfig()
	if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		return nil
	} else if err != nil {
		return errors.Errorf("Failed parsing arguments: %v", err)
	}

	if opts.Debug {
		log.SetLevel(log.DebugLevel)
		log.Info("Setting debug mode.")
	}

	log.Infof("Version %s (commit %s)", Version, Commit)
	log.Infof("Built on %s", Date)

	if opts.ShowVersion {
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fl, err := flash.Open(flash.Config{
		Dir:      cfg.Flash.Dir,
		SlotSize: cfg.Flash.SlotSize,
		Restart:  restarter(opts.RebootCommand, stop),
		Logger:   log.WithField("system", "flash"),
	})
	if err != nil {
		return errors.Errorf("Could not open flash: %v", err)
	}
	defer func() {
		if err := fl.Close(); err != nil {
			log.Errorf("Could not close flash: %v", err)
		}
	}()

	running, _ := fl.RunningPartition()
	log.Infof("Running from partition %s", running.Label)

	tr, err := newTransport(cfg)
	if err != nil {
		return errors.Errorf("Could not create transport: %v", err)
	}

	runner := task.NewRunner(log.WithField("system", "task"))
	manager, err := ota.NewManager(ota.Config{
		DeviceID:     cfg.Device.ID,
		Versions:     ota.NewFileVersionProvider(cfg.Device.VersionFile),
		Transport:    tr,
		Flash:        fl,
		Runner:       runner,
		Clock:        clock.System{},
		Logger:       log.WithField("system", "ota"),
		RestartDelay: cfg.Update.RestartDelay,
	})
	if err != nil {
		return errors.Errorf("Could not create OTA manager: %v", err)
	}

	bus := telemetry.NewBus(0)
	bus.SetLogger(log.WithField("system", "telemetry"))
	defer bus.Close()

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		sink := telemetry.NewRedisSink(client, "ota-agent")
		sink.SetLogger(log.WithField("system", "telemetry-redis"))
		if _, err := bus.SubscribeAsync(sink.Handle); err != nil {
			return errors.Errorf("Could not subscribe Redis sink: %v", err)
		}
		log.Infof("Publishing OTA state to Redis at %s", cfg.Redis.Addr)
	}

	a, err := agent.New(agent.Config{
		Manager:          manager,
		Bus:              bus,
		ServerURL:        cfg.Server.URL,
		CheckTimeout:     cfg.Server.CheckTimeout,
		InfoTimeout:      cfg.Server.InfoTimeout,
		UpdateTimeout:    cfg.Server.UpdateTimeout,
		ReportTimeout:    cfg.Server.ReportTimeout,
		AutoUpdate:       cfg.Update.AutoUpdate,
		CheckInterval:    cfg.Update.CheckInterval,
		InitialDelay:     cfg.Update.InitialDelay,
		ReportStatus:     cfg.Update.ReportStatus,
		AnnounceDownload: cfg.Update.AnnounceDownload,
		Logger:           log.WithField("system", "agent"),
	})
	if err != nil {
		return errors.Errorf("Could not create agent: %v", err)
	}

	if cfg.MQTT.Enabled {
		client := mqtt.NewClient(cfg)
		client.SetLogger(log.WithField("system", "mqtt"))
		if err := client.Connect(); err != nil {
			return errors.Errorf("Could not connect to MQTT broker: %v", err)
		}
		defer client.Disconnect()

		sink := telemetry.NewMQTTSink(client, cfg.Device.ID)
		sink.SetLogger(log.WithField("system", "telemetry-mqtt"))
		if _, err := bus.SubscribeAsync(sink.Handle); err != nil {
			return errors.Errorf("Could not subscribe MQTT sink: %v", err)
		}
		if err := sink.ReportVersion(manager.CurrentVersion()); err != nil {
			log.Warnf("Could not report version: %v", err)
		}

		commands := rrpc.NewServer(client, cfg.Device.ID)
		commands.SetLogger(log.WithField("system", "rrpc"))
		a.RegisterCommands(commands)
		if err := commands.Start(); err != nil {
			return errors.Errorf("Could not start remote commands: %v", err)
		}
		defer commands.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Run(gctx)
	})

	if cfg.API.Listen != "" {
		l, err := net.Listen("tcp", cfg.API.Listen)
		if err != nil {
			return errors.Errorf("Could not listen on %s: %v", cfg.API.Listen, err)
		}
		log.Infof("Serving API on %s", l.Addr())

		server := api.New(&api.Config{
			Controller: a,
			Bus:        bus,
			Log:        log.WithField("system", "api"),
		})
		g.Go(func() error {
			<-gctx.Done()
			return l.Close()
		})
		g.Go(func() error {
			if err := server.Serve(l); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	err = g.Wait()

	log.Info("Shutting down OTA agent...")
	if manager.Cancel() {
		log.Info("Cancelled running update.")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if werr := runner.Wait(shutdownCtx); werr != nil {
		log.Warnf("Update task did not stop in time: %v", werr)
	}

	return err
}

func main() {
	if err := otaAgentMain(); err != nil {
		log.WithError(err).Println("Failed running ota-agent.")
		os.Exit(1)
	}
}
