// Command keygate is the pooled-credential LLM gateway.
//
// Subcommands:
//
//	keygate worker                                 start the background probe engine
//	keygate gateway [--host H] [--port P] [--workers N]  start the dispatch gateway
//	keygate config create <kind>:<name>            print a starter providers.yaml
//
// Configuration is read from providers.yaml (override with --config or
// KEYGATE_CONFIG); database settings come from DB_HOST, DB_PORT, DB_USER,
// DB_PASSWORD, DB_NAME. Exit codes: 0 success, 2 configuration error,
// 1 runtime fatal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/nulpointcorp/keygate/internal/app"
	"github.com/nulpointcorp/keygate/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfig
	}

	switch args[0] {
	case "worker":
		return runWorker(args[1:])
	case "gateway":
		return runGateway(args[1:])
	case "config":
		return runConfig(args[1:])
	case "-h", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "keygate: unknown command %q\n", args[0])
		usage()
		return exitConfig
	}
}

func runGateway(args []string) int {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	cfgPath := fs.String("config", configPath(), "path to providers.yaml")
	host := fs.String("host", "", "bind host (overrides config listen)")
	port := fs.Int("port", 0, "bind port (overrides config listen)")
	workers := fs.Int("workers", 0, "GOMAXPROCS override")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygate: %v\n", err)
		return exitConfig
	}
	applyListenFlags(cfg, *host, *port)

	if *workers > 0 {
		runtime.GOMAXPROCS(*workers)
	}

	log := buildLogger(*logLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, version)
	if err != nil {
		log.Error("startup failed", slog.String("error", err.Error()))
		return exitRuntime
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		log.Error("gateway stopped", slog.String("error", err.Error()))
		return exitRuntime
	}
	return exitOK
}

func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	cfgPath := fs.String("config", configPath(), "path to providers.yaml")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygate: %v\n", err)
		return exitConfig
	}

	log := buildLogger(*logLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := app.NewWorker(ctx, cfg, log, version)
	if err != nil {
		log.Error("startup failed", slog.String("error", err.Error()))
		return exitRuntime
	}
	defer w.Close()

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("worker stopped", slog.String("error", err.Error()))
		return exitRuntime
	}
	return exitOK
}

// runConfig handles `keygate config create <kind>:<name>`.
func runConfig(args []string) int {
	if len(args) != 2 || args[0] != "create" {
		fmt.Fprintln(os.Stderr, "usage: keygate config create <kind>:<name>")
		return exitConfig
	}

	kind, name, ok := strings.Cut(args[1], ":")
	if !ok || kind == "" || name == "" {
		fmt.Fprintln(os.Stderr, "keygate: expected <kind>:<name>, e.g. openai_like:myprovider")
		return exitConfig
	}

	out, err := config.Scaffold(kind, name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygate: %v\n", err)
		return exitConfig
	}
	fmt.Print(out)
	return exitOK
}

// applyListenFlags folds --host/--port into the configured listen address.
func applyListenFlags(cfg *config.Config, host string, port int) {
	if host == "" && port == 0 {
		return
	}
	curHost, curPort := splitListen(cfg.Gateway.Listen)
	if host != "" {
		curHost = host
	}
	if port != 0 {
		curPort = fmt.Sprintf("%d", port)
	}
	cfg.Gateway.Listen = curHost + ":" + curPort
}

func splitListen(listen string) (host, port string) {
	host, port = "", "8080"
	if i := strings.LastIndexByte(listen, ':'); i >= 0 {
		host, port = listen[:i], listen[i+1:]
	}
	return host, port
}

func configPath() string {
	if p := os.Getenv("KEYGATE_CONFIG"); p != "" {
		return p
	}
	return "providers.yaml"
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: keygate <command>

commands:
  worker                                    start the background probe engine
  gateway [--host H] [--port P] [--workers N]  start the dispatch gateway
  config create <kind>:<name>               print a starter providers.yaml`)
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
