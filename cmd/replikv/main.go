// Command replikv runs a replicated key-value cluster in one process and
// serves it over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shrtyk/replikv/api"
	"github.com/shrtyk/replikv/app"
	"github.com/shrtyk/replikv/internal/config"
	"github.com/shrtyk/replikv/pkg/logger"
	flag "github.com/spf13/pflag"
)

const usage = `Usage:
    replikv [options]

Options:
    --config <FILE>          YAML config file overlaid on the defaults.
    --http-addr <[IP]:PORT>  Address of the HTTP front end. Default: ':8080'.
    --transport <KIND>       Peer transport: 'local' or 'grpc'.
    --log-env <ENV>          Log environment: 'dev', 'staging' or 'prod'.
    --log-source             Add source locations to log records.

    -h, --help               Show list of command-line options
`

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "replikv: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, usage) }

	var (
		configFlag    string
		httpAddrFlag  string
		transportFlag string
		logEnvFlag    string
		logSourceFlag bool
	)
	cmd.StringVar(&configFlag, "config", "", "YAML config file")
	cmd.StringVar(&httpAddrFlag, "http-addr", "", "HTTP front end address")
	cmd.StringVar(&transportFlag, "transport", "", "peer transport (local, grpc)")
	cmd.StringVar(&logEnvFlag, "log-env", "", "log environment (dev, staging, prod)")
	cmd.BoolVar(&logSourceFlag, "log-source", false, "add source locations to log records")
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := app.DefaultConfig()
	if configFlag != "" {
		var err error
		if cfg, err = config.Load(configFlag, cfg); err != nil {
			return err
		}
	}
	if err := applyFlags(cmd, cfg, httpAddrFlag, transportFlag, logEnvFlag, logSourceFlag); err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	log := logger.NewLogger(cfg.Log.Env, cfg.Log.AddSource)
	a, err := app.New(cfg, app.WithLogger(log))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	log.Info("shutting down", slog.String("http_addr", cfg.HTTPAddr))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Stop(shutdownCtx)
}

// applyFlags overrides cfg with the flags that were set explicitly.
func applyFlags(cmd *flag.FlagSet, cfg *api.Config, httpAddr, transport, logEnv string, logSource bool) error {
	if cmd.Changed("http-addr") {
		cfg.HTTPAddr = httpAddr
	}
	if cmd.Changed("transport") {
		cfg.Transport.Kind = transport
	}
	if cmd.Changed("log-env") {
		if err := cfg.Log.Env.UnmarshalText([]byte(logEnv)); err != nil {
			return fmt.Errorf("--log-env: %w", err)
		}
	}
	if cmd.Changed("log-source") {
		cfg.Log.AddSource = logSource
	}
	return nil
}
