// netsession - connection and session lifecycle manager.
//
// netsession runs one peer of a multiplayer session: it hosts, joins or
// serves over a direct address or a lobby-service session, keeps the
// player registry, reconnects clients after transient drops, and exposes
// a REST API, an interactive console and MQTT telemetry.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netsession/internal/api"
	"github.com/energizer-project/netsession/internal/cli"
	"github.com/energizer-project/netsession/internal/config"
	"github.com/energizer-project/netsession/internal/connection"
	"github.com/energizer-project/netsession/internal/connector"
	"github.com/energizer-project/netsession/internal/db"
	"github.com/energizer-project/netsession/internal/events"
	"github.com/energizer-project/netsession/internal/health"
	"github.com/energizer-project/netsession/internal/registry"
	"github.com/energizer-project/netsession/internal/scheduler"
	"github.com/energizer-project/netsession/internal/session"
	"github.com/energizer-project/netsession/internal/telemetry"
	"github.com/energizer-project/netsession/internal/transport"
	"github.com/energizer-project/netsession/internal/util"
)

const (
	AppName    = "netsession"
	AppVersion = "1.0.0"
	Banner     = `
             _                      _
  _ __   ___| |_ ___  ___  ___ ___(_) ___  _ __
 | '_ \ / _ \ __/ __|/ _ \/ __/ __| |/ _ \| '_ \
 | | | |  __/ |_\__ \  __/\__ \__ \ | (_) | | | |
 |_| |_|\___|\__|___/\___||___/___/_|\___/|_| |_|
  v%s  connection & session lifecycle manager
`
)

// shutdownTimeout bounds the graceful stop after a signal.
const shutdownTimeout = 30 * time.Second

type startFlags struct {
	configDir string
	host      bool
	join      string
	server    bool
	name      string
}

func parseFlags(args []string) (startFlags, error) {
	var f startFlags
	fs := flag.NewFlagSet(AppName, flag.ContinueOnError)
	fs.StringVar(&f.configDir, "config", config.DefaultConfigDir, "Configuration directory")
	fs.BoolVar(&f.host, "host", false, "Host over the configured transport address on startup")
	fs.StringVar(&f.join, "join", "", "Join a host at ip:port on startup")
	fs.BoolVar(&f.server, "server", false, "Run a dedicated server on startup")
	fs.StringVar(&f.name, "name", "", "Player name for this run")
	if err := fs.Parse(args); err != nil {
		return f, err
	}

	starts := 0
	for _, set := range []bool{f.host, f.join != "", f.server} {
		if set {
			starts++
		}
	}
	if starts > 1 {
		return f, fmt.Errorf("-host, -join and -server are mutually exclusive")
	}
	return f, nil
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Defaults first, reconfigured once the config is loaded.
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting netsession")

	cfg, err := config.Load(flags.configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging := cfg.GetLogging()
	if err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		Console:    true,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	if flags.name != "" {
		cfg.Connection.PlayerName = flags.name
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		if !cfg.IsFirstRun() {
			log.Fatal().Msg("configuration validation failed, please fix the errors above")
		}
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	} else if cfg.IsFirstRun() && flags.name == "" && !nonInteractive(flags) {
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	conn := cfg.GetConnection()

	// Player registry, persisted when a database path is configured.
	var store *db.PlayerStore
	regOpts := registry.Options{
		ReleaseDelay: conn.ClientIDReleaseDelay(),
		Debug:        conn.DebugBuild,
	}
	if path := cfg.GetDatabase().Path; path != "" {
		store, err = db.NewPlayerStore(path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open player database, registry will not be persisted")
		} else {
			regOpts.Store = store
		}
	}
	reg := registry.New(regOpts)
	if store != nil {
		if n, err := reg.Restore(); err != nil {
			log.Warn().Err(err).Msg("failed to restore player registry")
		} else if n > 0 {
			log.Info().Int("players", n).Msg("player registry restored")
		}
	}

	// Session facade. Without a service URL only direct connections work.
	var (
		lobby *connector.LobbyClient
		svc   session.Service
		relay session.RelayService
	)
	sessionCfg := cfg.GetSession()
	if sessionCfg.Enabled() {
		lobby = connector.NewLobbyClient(sessionCfg)
		svc, relay = lobby, lobby
		log.Info().Str("service", lobby.BaseURL()).Msg("session service configured")
	}
	facade := session.NewFacade(svc, relay, eventBus,
		session.Player{ID: conn.PlayerID, Name: conn.PlayerName},
		session.OptionsFromConfig(sessionCfg))

	tr, err := transport.New(cfg.GetTransport())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create transport")
	}

	mgr := connection.NewManager(tr, facade, reg, eventBus, nil,
		connection.OptionsFromConfig(conn, cfg.GetTransport()))

	apiServer := api.NewServer(cfg, eventBus, mgr, facade, reg)

	var pinger health.Pinger
	if lobby != nil {
		pinger = lobby
	}
	healthMgr := health.NewManager(cfg.GetTimers(), eventBus, mgr, reg, pinger)

	var mqttHandler *telemetry.MQTTHandler
	if mqttCfg := cfg.GetMQTT(); mqttCfg.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(mqttCfg, conn.PlayerID, eventBus, mgr)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	var schedStore scheduler.PlayerStore
	if store != nil {
		schedStore = store
	}
	sched := scheduler.NewScheduler(cfg, eventBus, schedStore)

	cliHandler := cli.NewCLI(cfg, eventBus, mgr, facade, reg, os.Stdin, os.Stdout)

	var wg sync.WaitGroup

	if cfg.GetAPI().Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.GetAPI().Port).Msg("starting REST API server")
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("API server stopped with error (non-fatal)")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	// The console blocks on stdin, so it is not waited for on shutdown.
	go cliHandler.Start(ctx)

	if err := startRole(mgr, flags, cfg); err != nil {
		log.Error().Err(err).Msg("failed to start requested role")
	}

	// Graceful shutdown on a signal or a console quit.
	quitCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		select {
		case quitCh <- struct{}{}:
		default:
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("shutdown requested from console")
	}

	log.Info().Msg("initiating graceful shutdown...")

	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer closeCancel()
	if err := mgr.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("connection manager did not stop cleanly")
	}
	facade.Close()

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-closeCtx.Done():
		log.Warn().Msg("shutdown timed out, forcing exit")
	}

	eventBus.Stop()

	if store != nil {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close player database")
		}
	}

	log.Info().Msg("netsession stopped")
}

func nonInteractive(f startFlags) bool {
	return f.host || f.join != "" || f.server
}

// startRole starts the role picked on the command line, if any.
func startRole(mgr *connection.Manager, f startFlags, cfg *config.Config) error {
	t := cfg.GetTransport()
	name := cfg.GetConnection().PlayerName

	switch {
	case f.host:
		log.Info().Str("address", t.Address).Int("port", t.Port).Msg("hosting")
		return mgr.StartHostIP(name, t.Address, t.Port)
	case f.server:
		log.Info().Str("address", t.Address).Int("port", t.Port).Msg("starting dedicated server")
		return mgr.StartServerIP(t.Address, t.Port)
	case f.join != "":
		addr, port, err := splitEndpoint(f.join)
		if err != nil {
			return err
		}
		log.Info().Str("address", addr).Int("port", port).Msg("joining")
		return mgr.StartClientIP(name, addr, port)
	}
	return nil
}

func splitEndpoint(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return host, port, nil
}
