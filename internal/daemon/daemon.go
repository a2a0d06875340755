// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jmpesp/opte/internal/api"
	"github.com/jmpesp/opte/internal/command"
	"github.com/jmpesp/opte/internal/config"
	"github.com/jmpesp/opte/internal/eventbus"
	"github.com/jmpesp/opte/internal/export"
	"github.com/jmpesp/opte/internal/log"
	"github.com/jmpesp/opte/internal/metrics"
	"github.com/jmpesp/opte/internal/oxide"
	"github.com/jmpesp/opte/internal/port"
)

// Daemon manages the opte daemon process lifecycle.
type Daemon struct {
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string
	instanceID string

	ports         *port.Manager
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	metricsServer *metrics.Server       // nil if metrics disabled
	apiServer     *api.Server           // nil if api disabled
	flowBus       *eventbus.FlowBus     // nil if events disabled
	exporter      *export.KafkaExporter // nil if kafka export disabled

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// New loads configPath and prepares a daemon. Non-empty socketPath and
// pidFile override the control section of the config.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = cfg.Control.Socket
	}
	if pidFile == "" {
		pidFile = cfg.Control.PIDFile
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		instanceID:   uuid.NewString(),
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	if err := log.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	log.GetLogger().WithFields(map[string]interface{}{
		"version":  config.Version,
		"instance": d.instanceID,
		"config":   d.configPath,
		"socket":   d.socketPath,
	}).Info("starting opte daemon")

	if err := WritePIDFile(d.pidFile); err != nil {
		return err
	}
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	if err := d.startEvents(); err != nil {
		return fmt.Errorf("failed to start flow events: %w", err)
	}

	opts, err := d.portOptions()
	if err != nil {
		return err
	}
	d.ports = port.NewManager(opts)
	if err := d.registerStaticPorts(); err != nil {
		return err
	}

	d.cmdHandler = command.NewCommandHandler(d.ports, d.instanceID)
	d.cmdHandler.SetShutdownFunc(func() {
		log.GetLogger().Info("shutdown triggered via daemon_shutdown command")
		d.TriggerShutdown()
	})

	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	if err := d.udsServer.Listen(); err != nil {
		return err
	}
	go func() {
		if err := d.udsServer.Start(d.ctx); err != nil {
			log.GetLogger().WithError(err).Error("uds server failed")
		}
	}()

	if err := d.startAPI(); err != nil {
		return fmt.Errorf("failed to start api server: %w", err)
	}

	go d.gcLoop(d.config.Engine.GCInterval, d.config.Engine.FlowIdleTimeout)

	log.GetLogger().Info("daemon started successfully")
	return nil
}

// portOptions translates the engine section into port options.
func (d *Daemon) portOptions() (port.Options, error) {
	e := d.config.Engine
	opts := port.DefaultOptions()
	opts.FlowLimit = e.LayerFlowLimit
	opts.UFTLimit = e.UFTLimit
	opts.TCPLinger = e.TCPLinger
	opts.ARPTTL = e.ARPTTL
	opts.ARPSeedLink = e.ARPSeedLink

	var err error
	if opts.FirewallDefaultIn, err = oxide.ParseFwAction(e.FirewallDefaultIn); err != nil {
		return port.Options{}, err
	}
	if opts.FirewallDefaultOut, err = oxide.ParseFwAction(e.FirewallDefaultOut); err != nil {
		return port.Options{}, err
	}
	if d.flowBus != nil {
		opts.Observer = d.flowBus.Observer()
	}
	return opts, nil
}

// registerStaticPorts registers the ports listed in the config. A bad entry
// fails startup.
func (d *Daemon) registerStaticPorts() error {
	for i, raw := range d.config.Ports {
		cfg, err := port.DecodeConfig(raw)
		if err != nil {
			return fmt.Errorf("ports[%d]: %w", i, err)
		}
		if _, err := d.ports.Register(cfg); err != nil {
			return fmt.Errorf("ports[%d]: %w", i, err)
		}
	}
	if n := len(d.config.Ports); n > 0 {
		log.GetLogger().WithField("count", n).Info("static ports registered")
	}
	return nil
}

func (d *Daemon) startEvents() error {
	ev := d.config.Events
	if !ev.Enabled {
		return nil
	}
	d.flowBus = eventbus.NewFlowBus(eventbus.NewInMemoryEventBus(ev.Partitions, ev.BufferSize))

	if ev.Kafka.Enabled {
		exp, err := export.NewKafkaExporter(ev.Kafka)
		if err != nil {
			return err
		}
		if err := exp.Attach(d.flowBus); err != nil {
			exp.Close()
			return err
		}
		d.exporter = exp
	}

	log.GetLogger().WithFields(map[string]interface{}{
		"partitions": ev.Partitions,
		"buffer":     ev.BufferSize,
		"kafka":      ev.Kafka.Enabled,
	}).Info("flow events enabled")
	return nil
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		log.GetLogger().Info("metrics server disabled")
		return nil
	}
	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	return d.metricsServer.Start(d.ctx)
}

func (d *Daemon) startAPI() error {
	if !d.config.API.Enabled {
		return nil
	}
	d.apiServer = api.NewServer(d.config.API.Listen, d.ports)
	return d.apiServer.Start(d.ctx)
}

// gcLoop expires idle flows until the daemon stops.
func (d *Daemon) gcLoop(interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if n := d.ports.ExpireIdle(now, idle); n > 0 && log.GetLogger().IsDebugEnabled() {
				log.GetLogger().WithField("expired", n).Debug("idle flows expired")
			}
		case <-d.ctx.Done():
			return
		}
	}
}

// Stop performs graceful shutdown of all daemon components. It is safe to
// call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	log.GetLogger().Info("initiating graceful shutdown")

	// No new control requests.
	if d.udsServer != nil {
		d.udsServer.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if d.apiServer != nil {
		if err := d.apiServer.Stop(shutdownCtx); err != nil {
			log.GetLogger().WithError(err).Error("error stopping api server")
		}
	}

	// Closing ports releases NAT mappings and emits the final flow events.
	if d.ports != nil {
		d.ports.CloseAll()
	}
	if d.flowBus != nil {
		if err := d.flowBus.Close(); err != nil {
			log.GetLogger().WithError(err).Error("error closing flow bus")
		}
	}
	if d.exporter != nil {
		if err := d.exporter.Close(); err != nil {
			log.GetLogger().WithError(err).Error("error closing kafka exporter")
		}
	}

	if d.metricsServer != nil {
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			log.GetLogger().WithError(err).Error("error stopping metrics server")
		}
	}

	d.cancel()
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}
	if err := RemovePIDFile(d.pidFile); err != nil {
		log.GetLogger().WithError(err).Error("error removing PID file")
	}

	log.GetLogger().Info("daemon stopped gracefully")
}

// Run blocks until SIGTERM/SIGINT, daemon_shutdown or cancellation, then
// stops the daemon. SIGHUP reloads logging.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	log.GetLogger().Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				log.GetLogger().WithField("signal", sig.String()).Info("received shutdown signal")
				d.Stop()
				return nil
			case syscall.SIGHUP:
				log.GetLogger().Info("received reload signal")
				if err := d.Reload(); err != nil {
					log.GetLogger().WithError(err).Error("failed to reload config")
				}
			}

		case <-d.shutdownChan:
			d.Stop()
			return nil

		case <-d.ctx.Done():
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload re-reads the config file and re-initializes logging. Other
// sections take effect on restart.
func (d *Daemon) Reload() error {
	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}
	if err := log.Init(newConfig.Log); err != nil {
		return fmt.Errorf("failed to reinitialize logging: %w", err)
	}

	var requiresRestart []string
	if newConfig.Metrics != d.config.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if newConfig.API != d.config.API {
		requiresRestart = append(requiresRestart, "api")
	}
	if newConfig.Engine != d.config.Engine {
		requiresRestart = append(requiresRestart, "engine")
	}
	d.config.Log = newConfig.Log

	log.GetLogger().WithFields(map[string]interface{}{
		"level":            newConfig.Log.Level,
		"requires_restart": requiresRestart,
	}).Info("configuration reloaded")
	return nil
}

// TriggerShutdown asks Run to stop the daemon.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// Ports returns the port manager. It is nil before Start.
func (d *Daemon) Ports() *port.Manager { return d.ports }
