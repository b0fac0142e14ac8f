// DCC Flasher - device transfer engine for ESP8266/ESP32 DCC decoders
//
// This is the main entry point. It discovers decoders on USB serial ports
// and on the local network, and flashes firmware or pushes configuration
// files to them on request from the control API or the MQTT command topics.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/dcc-flasher/internal/api"
	"github.com/nerrad567/dcc-flasher/internal/cache"
	"github.com/nerrad567/dcc-flasher/internal/catalog"
	"github.com/nerrad567/dcc-flasher/internal/device"
	"github.com/nerrad567/dcc-flasher/internal/discovery"
	"github.com/nerrad567/dcc-flasher/internal/dispatch"
	"github.com/nerrad567/dcc-flasher/internal/flasher"
	"github.com/nerrad567/dcc-flasher/internal/history"
	"github.com/nerrad567/dcc-flasher/internal/infrastructure/config"
	"github.com/nerrad567/dcc-flasher/internal/infrastructure/database"
	"github.com/nerrad567/dcc-flasher/internal/infrastructure/influxdb"
	"github.com/nerrad567/dcc-flasher/internal/infrastructure/logging"
	"github.com/nerrad567/dcc-flasher/internal/infrastructure/mqtt"
	"github.com/nerrad567/dcc-flasher/internal/logsink"
	"github.com/nerrad567/dcc-flasher/internal/monitor"
	"github.com/nerrad567/dcc-flasher/internal/process"
	"github.com/nerrad567/dcc-flasher/internal/remote"
	"github.com/nerrad567/dcc-flasher/internal/transfer"
	"github.com/nerrad567/dcc-flasher/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// esptoolGracefulTimeout is how long esptool gets to exit after SIGTERM.
const esptoolGracefulTimeout = 5 * time.Second

// subcommandMigrateDown reverts the newest history schema migration and exits.
const subcommandMigrateDown = "migrate-down"

// MQTT command names accepted on dccflasher/command/{name}.
const (
	commandRescan           = "rescan"
	commandDiscoveryRestart = "discovery_restart"
	commandCatalogRefresh   = "catalog_refresh"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runFn := run
	if len(os.Args) > 1 && os.Args[1] == subcommandMigrateDown {
		runFn = migrateDown
	}
	if err := runFn(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting DCC flasher",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"config", configPath,
	)

	// Transfer history
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if _, pending, statusErr := db.MigrationStatus(ctx, migrations.FS); statusErr == nil && len(pending) > 0 {
		log.Info("applying schema migrations", "pending", len(pending))
	}
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	historyRepo := history.NewSQLiteRepository(db.DB)
	log.Info("database ready", "path", db.Path())

	registry := device.NewRegistry(device.Options{
		AllowList:  allowList(cfg.Discovery.USB.AllowList),
		NamePrefix: cfg.Discovery.MDNS.NamePrefix,
		DriverURL:  cfg.Discovery.USB.DriverURL,
	})
	registry.SetLogger(log.Component("registry"))

	// Artifact cache
	artifacts, err := cache.New(cfg.Cache.Dir)
	if err != nil {
		return fmt.Errorf("creating artifact cache: %w", err)
	}
	artifacts.SetLogger(log.Component("cache"))
	defer func() {
		if closeErr := artifacts.Close(); closeErr != nil {
			log.Error("error removing artifact cache", "error", closeErr)
		}
	}()
	if cfg.S3.Enabled {
		s3Fetcher, s3Err := cache.NewS3Fetcher(ctx, cfg.S3)
		if s3Err != nil {
			return fmt.Errorf("configuring s3 fetcher: %w", s3Err)
		}
		artifacts.Register("s3", s3Fetcher)
	}
	artifacts.Restrict(cfg.Cache.AllowedSchemes)
	log.Info("artifact cache ready", "dir", artifacts.Dir(), "schemes", cfg.Cache.AllowedSchemes)

	var firmwareCatalog *catalog.Catalog
	if cfg.Catalog.IndexURL != "" {
		firmwareCatalog = catalog.New(cfg.Catalog.IndexURL, &http.Client{
			Timeout: cfg.Catalog.RequestTimeout(),
		})
	}

	dispatcher := newDispatcher(cfg, registry, artifacts, firmwareCatalog, log)
	dispatcher.SetRecorder(historyRepo)

	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	dispatcher.AddSink(hub)

	// Event bus (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		dispatcher.AddSink(dispatch.SinkFunc(func(ev dispatch.Event) {
			if pubErr := mqttClient.PublishJSON(mqtt.Topics{}.Task(string(ev.Kind), ev.TaskID), newBusEvent(ev), false); pubErr != nil {
				log.Debug("publishing task event", "task_id", ev.TaskID, "error", pubErr)
			}
		}))
		log.Info("MQTT connected",
			"broker", net.JoinHostPort(cfg.MQTT.Broker.Host, strconv.Itoa(cfg.MQTT.Broker.Port)),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Transfer metrics (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		dispatcher.SetMetrics(influxClient)
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Running tasks finish before the sinks they publish to are closed.
	defer func() {
		log.Info("waiting for running tasks")
		dispatcher.Wait()
	}()

	registry.SetOnChange(func() {
		devices := registry.List()
		hub.BroadcastDevices(devices)
		if mqttClient != nil {
			if pubErr := mqttClient.PublishJSON(mqtt.Topics{}.Devices(), devices, true); pubErr != nil {
				log.Debug("publishing device list", "error", pubErr)
			}
		}
		if influxClient != nil {
			stats := registry.Stats()
			influxClient.WriteDiscoveryMetric(stats.USB, stats.Remote, stats.Filtered)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		relayDriverSignals(gctx, registry.DriverSignals(), hub, mqttClient, log)
		return nil
	})

	// Discovery
	poller := discovery.NewUSBPoller(discovery.SerialEnumerator{}, cfg.Discovery.USB.PollInterval, registry.ObserveUSB)
	poller.SetLogger(log.Component("usb"))
	if startErr := poller.Start(gctx); startErr != nil {
		return fmt.Errorf("starting usb discovery: %w", startErr)
	}
	defer poller.Stop()

	if dir := cfg.Discovery.USB.WatchDir; dir != "" {
		watcher := discovery.NewHotplugWatcher(dir, poller.Trigger)
		watcher.SetLogger(log.Component("hotplug"))
		g.Go(func() error {
			if watchErr := watcher.Run(gctx); watchErr != nil {
				log.Warn("hotplug watcher stopped, relying on polling", "error", watchErr)
			}
			return nil
		})
	}

	var browser *discovery.Browser
	if cfg.Discovery.MDNS.Enabled {
		browser = discovery.NewBrowser(discovery.ZeroconfResolver, discovery.BrowserConfig{
			Service: cfg.Discovery.MDNS.Service,
			Domain:  cfg.Discovery.MDNS.Domain,
		}, registry.Observe)
		browser.SetLogger(log.Component("mdns"))
		if startErr := browser.Start(gctx); startErr != nil {
			return fmt.Errorf("starting mdns discovery: %w", startErr)
		}
		defer browser.Stop()
	} else {
		log.Info("mDNS discovery disabled")
	}

	// Remote log stream
	if cfg.Remote.LogPort > 0 {
		listener := logsink.NewListener(net.JoinHostPort("", strconv.Itoa(cfg.Remote.LogPort)), func(e logsink.Entry) {
			hub.BroadcastLog(e)
			if mqttClient != nil {
				if pubErr := mqttClient.PublishJSON(mqtt.Topics{}.DeviceLog(e.Source), e, false); pubErr != nil {
					log.Debug("publishing log line", "error", pubErr)
				}
			}
		})
		listener.SetLogger(log.Component("logsink"))
		if startErr := listener.Start(gctx); startErr != nil {
			log.Warn("remote log listener unavailable", "port", cfg.Remote.LogPort, "error", startErr)
		} else {
			defer listener.Stop()
		}
	}

	if mqttClient != nil {
		cmds := &commandHandler{poller: poller, log: log}
		if browser != nil {
			cmds.browser = browser
		}
		if firmwareCatalog != nil {
			cmds.catalog = firmwareCatalog
		}
		if subErr := mqttClient.SubscribeCommands(byte(cfg.MQTT.QoS), cmds.handle); subErr != nil {
			return fmt.Errorf("subscribing to commands: %w", subErr)
		}
	}

	// Serial monitor
	mon := monitor.New(registry, transfer.SerialOpener(cfg.Serial.BaudRate, time.Second))
	mon.SetLogger(log.Component("monitor"))
	mon.SetOnLine(hub.BroadcastSerialLine)
	defer func() {
		if closeErr := mon.Close(); closeErr != nil {
			log.Warn("closing serial monitor", "error", closeErr)
		}
	}()

	// Control API
	if cfg.API.Enabled {
		srv, srvErr := api.New(apiDeps(cfg, log, registry, dispatcher, poller, browser, firmwareCatalog, historyRepo, mqttClient, hub, mon))
		if srvErr != nil {
			return fmt.Errorf("creating API server: %w", srvErr)
		}
		if startErr := srv.Start(gctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("control API disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-gctx.Done()
	log.Info("shutdown signal received, cleaning up")

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("DCC flasher stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses DCCFLASHER_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DCCFLASHER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig reads path, falling back to built-in defaults when the file
// does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

// migrateDown opens the configured history database and reverts its
// newest migration.
func migrateDown(ctx context.Context) error {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := logging.New(cfg.Logging, version)

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	applied, _, err := db.MigrationStatus(ctx, migrations.FS)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		log.Info("no migrations to revert")
		return nil
	}
	if err := db.MigrateDown(ctx, migrations.FS); err != nil {
		return fmt.Errorf("reverting migration: %w", err)
	}
	log.Info("migration reverted", "version", applied[len(applied)-1].Version)
	return nil
}

func allowList(ids []config.USBIDConfig) []device.USBID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]device.USBID, 0, len(ids))
	for _, id := range ids {
		out = append(out, device.USBID{VID: id.VID, PID: id.PID})
	}
	return out
}

func newDispatcher(cfg *config.Config, registry *device.Registry, artifacts *cache.Cache, cat *catalog.Catalog, log *logging.Logger) *dispatch.Dispatcher {
	runner := process.NewRunner(process.Config{
		Name:            "esptool",
		Binary:          cfg.Flasher.Binary,
		GracefulTimeout: esptoolGracefulTimeout,
	})
	runner.SetLogger(log.Component("process"))

	esptool := flasher.NewEsptool(runner, cfg.Flasher, artifacts.Dir())
	esptool.SetLogger(log.Component("flasher"))

	remoteClient := remote.NewClient(cfg.Remote, nil)
	remoteClient.SetLogger(log.Component("remote"))

	deps := dispatch.Deps{
		Devices:  registry,
		Cache:    artifacts,
		Flasher:  esptool,
		Remote:   remoteClient,
		OpenLink: transfer.SerialOpener(cfg.Serial.BaudRate, cfg.Serial.LineTimeout),
	}
	if cat != nil {
		deps.Catalog = cat
	}

	d := dispatch.New(deps, dispatch.Options{
		FlashBaud: cfg.Flasher.BaudRate,
		Transfer: transfer.Config{
			DebugModeReply:    cfg.Serial.DebugModeReply,
			TransferModeReply: cfg.Serial.TransferModeReply,
		},
	})
	d.SetLogger(log.Component("dispatch"))
	return d
}

// apiDeps assembles the control API dependencies. Optional components are
// only set when present so the interfaces stay nil.
func apiDeps(
	cfg *config.Config,
	log *logging.Logger,
	registry *device.Registry,
	dispatcher *dispatch.Dispatcher,
	poller *discovery.USBPoller,
	browser *discovery.Browser,
	cat *catalog.Catalog,
	historyRepo *history.SQLiteRepository,
	mqttClient *mqtt.Client,
	hub *api.Hub,
	mon *monitor.Monitor,
) api.Deps {
	deps := api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Security:  cfg.Security,
		Logger:    log,
		Devices:   registry,
		Tasks:     dispatcher,
		Rescanner: poller,
		History:   historyRepo,
		Hub:       hub,
		Monitor:   mon,
		Version:   version,
	}
	if browser != nil {
		deps.Discovery = browser
	}
	if cat != nil {
		deps.Catalog = cat
	}
	if mqttClient != nil {
		deps.Bus = mqttClient
	}
	return deps
}

// busEvent is the MQTT form of a task event.
type busEvent struct {
	dispatch.Event
	Error string `json:"error,omitempty"`
}

func newBusEvent(ev dispatch.Event) busEvent {
	be := busEvent{Event: ev}
	if ev.Err != nil {
		be.Error = ev.Err.Error()
	}
	return be
}

// relayDriverSignals forwards missing-driver signals until ctx is cancelled.
func relayDriverSignals(ctx context.Context, signals <-chan device.DriverSignal, hub *api.Hub, mqttClient *mqtt.Client, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			log.Warn("no USB-serial adapter found, a driver may be missing", "driver_url", sig.URL)
			hub.BroadcastDriverMissing(sig)
			if mqttClient != nil {
				if err := mqttClient.PublishJSON(mqtt.Topics{}.Event("driver_missing"), sig, false); err != nil {
					log.Debug("publishing driver signal", "error", err)
				}
			}
		}
	}
}

// commandHandler serves dccflasher/command/{name} messages.
type commandHandler struct {
	poller  interface{ Rescan() }
	browser interface {
		Restart(ctx context.Context) error
	}
	catalog interface {
		Refresh(ctx context.Context) (*catalog.Index, error)
	}
	log *logging.Logger
}

// commandTimeout bounds a command that reaches the network.
const commandTimeout = 30 * time.Second

func (h *commandHandler) handle(name string, _ []byte) error {
	h.log.Info("mqtt command received", "command", name)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch name {
	case commandRescan:
		h.poller.Rescan()
		return nil
	case commandDiscoveryRestart:
		if h.browser == nil {
			return errors.New("mdns discovery disabled")
		}
		return h.browser.Restart(ctx)
	case commandCatalogRefresh:
		if h.catalog == nil {
			return errors.New("no firmware catalog configured")
		}
		_, err := h.catalog.Refresh(ctx)
		return err
	default:
		return fmt.Errorf("unknown command %q", name)
	}
}

// healthCheck verifies all infrastructure connections are healthy.
// mqttClient and influxClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
