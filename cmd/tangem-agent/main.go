package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SimplyPrint/tangem-agent/internal/api"
	"github.com/SimplyPrint/tangem-agent/internal/cardsim"
	"github.com/SimplyPrint/tangem-agent/internal/config"
	"github.com/SimplyPrint/tangem-agent/internal/logging"
	"github.com/SimplyPrint/tangem-agent/internal/reader"
	"github.com/SimplyPrint/tangem-agent/internal/sdk"
	"github.com/SimplyPrint/tangem-agent/internal/service"
	"github.com/SimplyPrint/tangem-agent/internal/session"
	"github.com/SimplyPrint/tangem-agent/internal/settings"
	"github.com/SimplyPrint/tangem-agent/internal/storage"
	"github.com/SimplyPrint/tangem-agent/internal/tray"
	"github.com/SimplyPrint/tangem-agent/internal/updater"
)

// sentryDSN is set at build time with -ldflags.
var sentryDSN = ""

func main() {
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	noTrayFlag := flag.Bool("no-tray", false, "Run without system tray (headless mode)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Tangem Agent - Local Tangem card service\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  tangem-agent [flags]\n")
		fmt.Fprintf(os.Stderr, "  tangem-agent <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  serve                    Run the HTTP/WebSocket service (default)\n")
		fmt.Fprintf(os.Stderr, "  scan                     Read the tapped card\n")
		fmt.Fprintf(os.Stderr, "  sign <hash>...           Sign hex-encoded hashes\n")
		fmt.Fprintf(os.Stderr, "  personalize <config>     Personalize a blank card from a YAML config\n")
		fmt.Fprintf(os.Stderr, "  depersonalize -card <id> Reset a card to the blank state\n")
		fmt.Fprintf(os.Stderr, "  install                  Install auto-start service\n")
		fmt.Fprintf(os.Stderr, "  uninstall                Remove auto-start service\n")
		fmt.Fprintf(os.Stderr, "  status                   Show auto-start service status\n")
		fmt.Fprintf(os.Stderr, "  version                  Print version information\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  %s   Port to listen on (default: %d)\n", config.EnvPort, config.DefaultPort)
		fmt.Fprintf(os.Stderr, "  %s   Host to bind to (default: %s)\n", config.EnvHost, config.DefaultHost)
		fmt.Fprintf(os.Stderr, "  %s YAML config file\n", config.EnvConfig)
	}

	flag.Parse()

	if *versionFlag {
		printVersion()
		return
	}

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "version":
		printVersion()
		return
	case "install":
		if err := service.New().Install(); err != nil {
			log.Fatalf("Failed to install service: %v", err)
		}
		fmt.Println("Auto-start service installed successfully")
		return
	case "uninstall":
		if err := service.New().Uninstall(); err != nil {
			log.Fatalf("Failed to uninstall service: %v", err)
		}
		fmt.Println("Auto-start service removed successfully")
		return
	case "status":
		status, err := service.New().Status()
		if err != nil {
			log.Fatalf("Failed to query service: %v", err)
		}
		fmt.Println(status)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	switch cmd {
	case "serve":
		run(cfg, *noTrayFlag)
	case "scan", "sign", "personalize", "depersonalize":
		setupLogging(cfg, false)
		defer logging.Get().Close()
		if err := runCLI(cfg, cmd, args); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		flag.Usage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("tangem-agent %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}

// setupLogging configures the global logger. The CLI keeps the console for
// its own output, so console logging is only enabled for the service.
func setupLogging(cfg *config.Config, console bool) {
	level, _ := logging.ParseLevel(cfg.Log.Level)
	logging.Init(1000, level)
	if !console {
		logging.Get().SetOutput(nil)
	}
	if cfg.Log.File != "" {
		logging.Get().SetLogFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)
	}
}

// agentDeps are the pieces shared by the service and the CLI.
type agentDeps struct {
	reader  session.CardReader
	readers func() ([]reader.Info, error)
	keys    *storage.TerminalKeyStore
}

func buildDeps(cfg *config.Config) (*agentDeps, error) {
	deps := &agentDeps{}

	opts := cfg.ReaderOptions()
	switch cfg.Reader.Backend {
	case reader.BackendPCSC:
		deps.reader = reader.NewPCSCReader(nil, opts)
		deps.readers = func() ([]reader.Info, error) { return reader.ListPCSC(nil) }
	case reader.BackendLibNFC:
		deps.reader = reader.NewLibNFCReader(nil, opts)
		deps.readers = reader.ListLibNFC
	case reader.BackendEmulator:
		emu, err := emulatedReader()
		if err != nil {
			return nil, err
		}
		deps.reader = emu
		deps.readers = func() ([]reader.Info, error) {
			return []reader.Info{{Name: "Tangem card emulator", Backend: reader.BackendEmulator}}, nil
		}
	default:
		return nil, fmt.Errorf("unknown reader backend %q", cfg.Reader.Backend)
	}

	path, err := storage.DefaultPath()
	if err != nil {
		return nil, err
	}
	deps.keys = storage.NewTerminalKeyStore(path)
	if _, err := deps.keys.Load(); err != nil {
		// Sessions still work without a linked terminal.
		logging.Warn(logging.CatCrypto, "Terminal keys unavailable", map[string]any{
			"path":  path,
			"error": err.Error(),
		})
	}
	return deps, nil
}

// emulatedReader returns a reader with a default card permanently in the field.
func emulatedReader() (*cardsim.Reader, error) {
	c, err := cardsim.New()
	if err != nil {
		return nil, fmt.Errorf("create emulated card: %w", err)
	}
	r := cardsim.NewReader()
	r.Tap(c)
	logging.Info(logging.CatReader, "Using emulated card", map[string]any{
		"cardId": c.Info().CardID,
	})
	return r, nil
}

func run(cfg *config.Config, headless bool) {
	setupLogging(cfg, true)
	logging.Info(logging.CatSystem, "Tangem Agent starting", map[string]any{
		"version": api.Version,
		"backend": cfg.Reader.Backend,
	})

	st, err := settings.Load()
	if err != nil {
		logging.Warn(logging.CatSystem, "Failed to load settings, using defaults", map[string]any{
			"error": err.Error(),
		})
	}
	if logging.InitSentry(api.Version, sentryDSN, st.CrashReporting) {
		defer logging.FlushSentry(2 * time.Second)
	}
	defer logging.RecoverAndLog("main", true)

	deps, err := buildDeps(cfg)
	if err != nil {
		log.Fatalf("Failed to set up card reader: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	hub := api.NewHub()
	manager := sdk.NewManager(deps.reader, hub, deps.keys, cfg.SDK(st.LinkedTerminal))

	addr := cfg.Address()
	srv := &http.Server{Addr: addr, ReadHeaderTimeout: 10 * time.Second}
	shutdown := func() {
		logging.Info(logging.CatSystem, "Shutting down", nil)
		manager.Cancel()
		stop()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}

	server := api.NewServer(api.Options{
		Manager:  manager,
		Hub:      hub,
		Readers:  deps.readers,
		Keys:     deps.keys,
		Backend:  cfg.Reader.Backend,
		Shutdown: shutdown,
		Updates:  updater.NewChecker(api.Version),
	})
	srv.Handler = server.Handler()
	go hub.Run(ctx)

	startServer := func() {
		log.Printf("tangem-agent %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": addr,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}

	if !headless && tray.IsSupported() {
		log.Println("Starting with system tray...")
		trayApp := tray.New(addr, trayAgent{manager: manager, readers: deps.readers}, func() {
			shutdown()
			logging.Get().Close()
			os.Exit(0)
		})
		trayApp.RunWithServer(startServer)
		return
	}

	if headless {
		log.Println("Running in headless mode (no system tray)")
	} else {
		log.Println("System tray not supported on this platform, running headless")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		shutdown()
	}()

	startServer()
	logging.Get().Close()
}

// trayAgent adapts the manager and the settings store to the tray menu.
type trayAgent struct {
	manager *sdk.Manager
	readers func() ([]reader.Info, error)
}

func (a trayAgent) Busy() bool   { return a.manager.Busy() }
func (a trayAgent) Cancel() bool { return a.manager.Cancel() }

func (a trayAgent) LinkedTerminal() bool { return a.manager.Config().LinkedTerminal }

func (a trayAgent) SetLinkedTerminal(on bool) error {
	if err := settings.SetLinkedTerminal(on); err != nil {
		return err
	}
	a.manager.SetLinkedTerminal(on)
	return nil
}

func (a trayAgent) Readers() ([]reader.Info, error) { return a.readers() }
