package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/waypt/navcore/pkg"
	"github.com/waypt/navcore/pkg/api"
	"github.com/waypt/navcore/pkg/config"
	"github.com/waypt/navcore/pkg/location"
	"github.com/waypt/navcore/pkg/logx"
	"github.com/waypt/navcore/pkg/metrics"
	"github.com/waypt/navcore/pkg/mqtt"
	"github.com/waypt/navcore/pkg/pidfile"
	"github.com/waypt/navcore/pkg/routing"
	"github.com/waypt/navcore/pkg/telem"
)

var (
	configPath = flag.String("config", "/etc/navcore/navcored.yaml", "Path to configuration file")
	statePath  = flag.String("state", "/var/lib/navcore/state.yaml", "Path to persisted state file")
	pidPath    = flag.String("pid-file", "/tmp/navcored.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	version    = flag.Bool("version", false, "Show version information")
	force      = flag.Bool("force", false, "Force start by removing stale PID file")
)

const (
	AppName    = "navcored"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	effectiveLogLevel := "info"
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	logger := logx.NewLogger(effectiveLogLevel, AppName)

	pidFile := pidfile.New(*pidPath)
	running, existingPID, err := pidFile.CheckRunning()
	if err != nil {
		logger.Error("Failed to check for running instance", "error", err)
		os.Exit(1)
	}
	if running {
		if !*force {
			logger.Error("Another instance is already running", "existing_pid", existingPID, "pid_file", *pidPath)
			fmt.Fprintf(os.Stderr, "Error: %s is already running with PID %d\n", AppName, existingPID)
			os.Exit(1)
		}
		logger.Warn("Another instance is running, but force flag specified", "existing_pid", existingPID)
		if err := pidFile.ForceRemove(); err != nil {
			logger.Error("Failed to remove existing PID file", "error", err)
			os.Exit(1)
		}
	}
	if err := pidFile.Create(); err != nil {
		logger.Error("Failed to create PID file", "error", err, "path", *pidPath)
		os.Exit(1)
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("Failed to remove PID file", "error", err)
		}
	}()

	logger.Info("Starting navcore daemon", "version", AppVersion, "pid", os.Getpid())

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogJSON {
		logger = logx.NewJSONLogger(cfg.LogLevel, AppName)
	}
	logger.Info("Configuration loaded",
		"prefer_fused", cfg.PreferFused, "engine_url", cfg.EngineURL, "predictor", cfg.PredictorEnabled)

	store, err := config.NewStore(*statePath)
	if err != nil {
		logger.Error("Failed to open state store", "error", err, "path", *statePath)
		os.Exit(1)
	}

	telemetry, err := telem.NewStore(logx.NewLogger(cfg.LogLevel, "telem"), cfg.RetentionHours, cfg.TrackDBPath)
	if err != nil {
		logger.Error("Failed to initialize telemetry store", "error", err)
		os.Exit(1)
	}
	defer telemetry.Close()

	mqttClient := mqtt.NewClient(cfg.MQTT, logx.NewLogger(cfg.LogLevel, "mqtt"))
	if err := mqttClient.Connect(); err != nil {
		logger.Warn("MQTT connection failed, telemetry publishing disabled", "error", err)
	}
	defer mqttClient.Disconnect()

	var metricsServer *metrics.Server
	if cfg.MetricsListener {
		metricsServer = metrics.NewServer(logx.NewLogger(cfg.LogLevel, "metrics"), cfg.MetricsPort)
		metricsServer.Start()
	}

	onEvent := func(event pkg.Event) {
		if err := telemetry.AddEvent(event); err != nil {
			logger.Warn("Failed to record event", "type", event.Type, "error", err)
		}
		mqttClient.PublishEvent(event)
		switch event.Type {
		case "fix_rejected":
			metrics.FixesRejected.WithLabelValues(event.Reason).Inc()
		case "provider_downgraded":
			metrics.ProviderDowngrades.Inc()
		case "route_build_finished":
			metrics.RouteBuilds.WithLabelValues(event.Reason).Inc()
		case "route_completed":
			metrics.RoutesCompleted.Inc()
		}
	}

	locLogger := logx.NewLogger(cfg.LogLevel, "location")
	session := location.NewSession(locLogger, location.Options{
		Permissions:          daemonPermissions{},
		Navigator:            &logNavigator{logger: locLogger},
		Delegate:             &logDelegate{logger: locLogger},
		PendingTimeout:       time.Duration(cfg.PendingTimeoutS) * time.Second,
		SuppressErrorDialogs: cfg.ErrorDialogQuiets,
		PreferFused:          cfg.PreferFused,
		OnEvent:              onEvent,
	})

	native := location.NewNativeProvider(locLogger, session, cfg.NMEADevices, cfg.NMEABaudRate)
	fused := location.NewFusedProvider(locLogger, session, cfg.FusedEndpoint, cfg.FusedAPIKey)
	if fused != nil {
		session.SetProviders(native, fused)
	} else {
		session.SetProviders(native, nil)
	}

	if cfg.PredictorEnabled {
		predictor := location.NewPredictor(locLogger,
			time.Duration(cfg.PredictorWindowS)*time.Second,
			time.Duration(cfg.PredictorMaxGapS)*time.Second,
			session.InjectPredicted)
		session.SetPredictor(predictor)
		defer predictor.Stop()
	}

	session.AddListener(location.ListenerFunc(func(fix pkg.Fix) {
		if err := telemetry.AddFix(fix); err != nil {
			logger.Warn("Failed to record fix", "error", err)
		}
		mqttClient.PublishPosition(fix)
		metrics.FixesAccepted.WithLabelValues(string(fix.Provider)).Inc()
		metrics.LastFixAccuracy.Set(fix.AccuracyOr(0))
	}))

	routingLogger := logx.NewLogger(cfg.LogLevel, "routing")
	engine := routing.NewRemoteEngine(routingLogger, cfg.EngineURL, time.Duration(cfg.EngineTimeoutS)*time.Second)
	router := routing.NewSession(routingLogger, engine, session, store, routing.SessionOptions{
		Delegate: &routeDelegate{logger: routingLogger, mqtt: mqttClient},
		OnEvent:  onEvent,
	})

	apiServer := api.NewServer(session, router, telemetry, api.Config{
		Enabled: cfg.APIEnabled,
		Host:    cfg.APIHost,
		Port:    cfg.APIPort,
	}, logx.NewLogger(cfg.LogLevel, "api"))
	if err := apiServer.Start(); err != nil {
		logger.Error("Failed to start API server", "error", err)
		os.Exit(1)
	}
	defer apiServer.Stop()

	session.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runMainLoop(ctx, logger, telemetry, session)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received signal, shutting down", "signal", sig.String())

	cancel()
	session.Stop()
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Stop(shutdownCtx)
		shutdownCancel()
	}
	logger.Info("Shutdown complete")
}

// runMainLoop performs the periodic housekeeping: telemetry retention
// cleanup and a heartbeat line for watchdogs.
func runMainLoop(ctx context.Context, logger *logx.Logger, telemetry *telem.Store, session *location.Session) {
	cleanupTicker := time.NewTicker(time.Hour)
	heartbeatTicker := time.NewTicker(time.Minute)
	defer cleanupTicker.Stop()
	defer heartbeatTicker.Stop()

	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanupTicker.C:
			if err := telemetry.Cleanup(); err != nil {
				logger.Warn("Telemetry cleanup failed", "error", err)
			}
		case <-heartbeatTicker.C:
			fields := map[string]interface{}{
				"uptime_s": int64(time.Since(started).Seconds()),
				"active":   session.IsActive(),
				"provider": session.ActiveProviderName(),
			}
			if last := session.LastFix(); last != nil {
				fields["fix_age_s"] = int64(time.Since(last.Time).Seconds())
			}
			logger.Info("heartbeat", fields)
		}
	}
}

// daemonPermissions reports the OS state a headless daemon actually has:
// device access is the permission, there is no runtime prompt.
type daemonPermissions struct{}

func (daemonPermissions) LocationGranted() bool { return true }
func (daemonPermissions) ServicesEnabled() bool { return true }

// logNavigator stands in for the map core on a headless deployment.
type logNavigator struct {
	logger *logx.Logger
}

func (n *logNavigator) LocationUpdated(fix pkg.Fix) {
	n.logger.Debug("position updated", "fix", fix.String())
}

func (n *logNavigator) LocationError(code location.ErrorCode) {
	n.logger.Warn("location error", "code", code.String())
}

func (n *logNavigator) RunFirstLaunchAnimation() {}

// logDelegate renders the dialog surface into the log.
type logDelegate struct {
	logger *logx.Logger
}

func (d *logDelegate) RequestPermission() {
	d.logger.Warn("location permission required")
}

func (d *logDelegate) LaunchResolution(res location.Resolution) {
	d.logger.Warn("location settings resolution required", "reason", res.Reason)
}

func (d *logDelegate) ShowLocationDisabled(offerSettings bool) {
	d.logger.Warn("location disabled", "offer_settings", offerSettings)
}

func (d *logDelegate) ShowLocationPendingTimeout() {
	d.logger.Warn("still waiting for a location fix")
}

// routeDelegate forwards routing state to the log and the MQTT broker.
type routeDelegate struct {
	logger *logx.Logger
	mqtt   *mqtt.Client
}

func (d *routeDelegate) OnStateChanged(phase routing.Phase, build routing.BuildState) {
	d.logger.Info("routing state changed", "phase", phase.String(), "build", build.String())
	d.mqtt.PublishRouteState(phase.String(), build.String())
	metrics.RoutingPhase.Set(float64(phase))
}

func (d *routeDelegate) OnBuildProgress(percent int) {
	d.logger.Debug("route build progress", "percent", percent)
}

func (d *routeDelegate) OnBuildFailed(code routing.ResultCode, missingMaps []string, downloadable bool) {
	d.logger.Warn("route build failed",
		"code", code.String(), "missing_maps", missingMaps, "downloadable", downloadable)
}

func (d *routeDelegate) OnRouteCompleted() {
	d.logger.Info("destination reached")
}

func (d *routeDelegate) SuggestRebuild() {
	d.logger.Info("rebuild from the current position suggested")
}

func (d *routeDelegate) ShowDisclaimer() {
	d.logger.Warn("routing disclaimer must be accepted")
}
