// Command mcp-probe drives an MCP server child process through the standard
// discovery sequence: initialize, tools/list, resources/list and an optional
// resources/read. Results are printed as indented JSON on stdout; logs and
// the server's stderr go to this process's stderr.
//
// Usage:
//
//	mcp-probe <server-command> [args...]
//
// Configuration is read from the environment (see probeConfig).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ggoodman/mcp-client-go"
	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/stdio"
	"github.com/joeshaw/envdecode"
)

// probeConfig is populated from the environment via envdecode.
type probeConfig struct {
	// ResourceURI to read after discovery. Empty means read the first
	// resource the server lists, if any. ENV: PROBE_RESOURCE_URI
	ResourceURI string `env:"PROBE_RESOURCE_URI"`
	// Timeout bounds the whole probe run. ENV: PROBE_TIMEOUT
	Timeout time.Duration `env:"PROBE_TIMEOUT,default=30s"`
	// LogLevel is one of debug, info, warn, error. ENV: PROBE_LOG_LEVEL
	LogLevel string `env:"PROBE_LOG_LEVEL,default=info"`
	// Dir is the working directory for the server process. ENV: PROBE_SERVER_DIR
	Dir string `env:"PROBE_SERVER_DIR"`
}

func main() {
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: mcp-probe <server-command> [args...]")
		os.Exit(2)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp-probe: %v\n", err)
		os.Exit(2)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	if err := run(cfg, log, flag.Args()); err != nil {
		log.Error("probe failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func loadConfig() (probeConfig, error) {
	var cfg probeConfig
	// Defaults are provided via struct tags.
	if err := envdecode.Decode(&cfg); err != nil {
		return probeConfig{}, fmt.Errorf("read environment: %w", err)
	}
	return cfg, nil
}

func run(cfg probeConfig, log *slog.Logger, argv []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	cmd := stdio.Command{Path: argv[0], Args: argv[1:], Dir: cfg.Dir}
	log.Info("starting server", slog.String("command", cmd.String()))

	sess, err := mcpclient.Dial(ctx, cmd, mcp.ImplementationInfo{Name: "mcp-probe", Version: "1.0"}, mcpclient.WithLogger(log))
	if err != nil {
		return err
	}
	defer sess.Close()

	tools, err := sess.ListTools(ctx, "")
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	printResult("tools", tools)

	resources, err := sess.ListResources(ctx, "")
	if err != nil {
		return fmt.Errorf("resources/list: %w", err)
	}
	printResult("resources", resources)

	uri := cfg.ResourceURI
	if uri == "" && len(resources.Resources) > 0 {
		uri = resources.Resources[0].URI
	}
	if uri == "" {
		log.Info("no resource to read")
		return nil
	}

	contents, err := sess.ReadResource(ctx, uri)
	if err != nil {
		return fmt.Errorf("resources/read %s: %w", uri, err)
	}
	printResult(uri, contents)

	return nil
}

func printResult(label string, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%s: %v\n", label, err)
		return
	}
	fmt.Printf("%s:\n%s\n", label, b)
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
