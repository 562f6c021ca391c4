// Command tempod is the realtime chess service daemon.
//
// Usage:
//
//	tempod [flags]
//
// Flags:
//
//	--config       Path to a configuration file
//	--listen.port  HTTP/websocket listen port (default: 8080)
//	--verbosity    Log level: debug, info, warn, error (default: info)
//	--version      Print version and exit
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/tempochess/tempo/config"
	"github.com/tempochess/tempo/log"
	"github.com/tempochess/tempo/server"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v1.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) and the output writer so it can be
// tested in isolation.
func run(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("tempod", flag.ContinueOnError)
	fs.SetOutput(out)
	var (
		configPath  = fs.String("config", "", "path to a configuration file")
		listenPort  = fs.Int("listen.port", -1, "HTTP/websocket listen port")
		verbosity   = fs.String("verbosity", "", "log level: debug, info, warn, error")
		showVersion = fs.Bool("version", false, "print version and exit")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Fprintf(out, "tempod %s (%s)\n", version, commit)
		return 0
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			fmt.Fprintf(out, "cannot load config: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	// Flags override file values.
	if *listenPort >= 0 {
		cfg.Listen.Port = *listenPort
	}
	if *verbosity != "" {
		cfg.Log.Level = *verbosity
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "invalid configuration: %v\n", err)
		return 1
	}

	lg := buildLogger(cfg)
	log.SetDefault(lg)

	// Startup banner showing resolved configuration.
	lg.Info("tempod starting", "version", version, "commit", commit)
	lg.Info("configuration",
		"listen", cfg.Listen.Addr(),
		"store", storeKind(cfg),
		"grace", cfg.Session.DisconnectGrace(),
		"tickHz", cfg.Session.TickHz,
		"retire", cfg.Session.RetireAfter(),
		"maxActiveGames", cfg.User.MaxActiveGames,
		"kFactor", cfg.Elo.KFactor,
	)

	srv, err := server.New(cfg, lg)
	if err != nil {
		lg.Error("cannot assemble server", "err", err)
		return 1
	}
	if err := srv.Start(); err != nil {
		lg.Error("cannot start server", "err", err)
		return 1
	}

	// Wait for SIGINT or SIGTERM to initiate graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	lg.Info("shutting down", "signal", sig.String())

	if err := srv.Stop(); err != nil {
		lg.Error("shutdown incomplete", "err", err)
		return 1
	}
	lg.Info("shutdown complete")
	return 0
}

func buildLogger(cfg *config.Config) *log.Logger {
	level := log.ParseLevel(cfg.Log.Level)
	if cfg.Log.Format == "text" {
		return log.NewText(os.Stderr, level)
	}
	return log.New(level)
}

func storeKind(cfg *config.Config) string {
	if cfg.Store.DSN == "" {
		return "memory"
	}
	return "postgres"
}
