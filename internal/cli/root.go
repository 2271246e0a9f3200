package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/procreap/internal/api"
	"github.com/Paintersrp/procreap/internal/api/client"
	"github.com/Paintersrp/procreap/internal/config"
	"github.com/Paintersrp/procreap/internal/engine"
	"github.com/Paintersrp/procreap/internal/logging"
	"github.com/Paintersrp/procreap/internal/reaper"
)

const configEnv = "PROCREAP_CONFIG"

var newControlClient = func(addr string) (api.Controller, error) {
	return client.New(addr)
}

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := &context{}

	root := &cobra.Command{
		Use:   "procreap",
		Short: "Launch, reap and stop child processes",
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&ctx.configPath, "config", "c", os.Getenv(configEnv), "Path to procreap.yaml (env "+configEnv+")")
	flags.StringVar(&ctx.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	flags.StringVar(&ctx.logFormat, "log-format", "", "Override log format (auto, json, console)")
	flags.StringVar(&ctx.addr, "addr", "", "Override control API address (unix:///path or tcp://host:port)")

	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newUpCmd(ctx))
	root.AddCommand(newPsCmd(ctx))
	root.AddCommand(newStopCmd(ctx))
	root.AddCommand(newStopAllCmd(ctx))
	root.AddCommand(newEventsCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		stop()
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, err)
	stop()
	os.Exit(1)
}

// exitError carries a child's exit status out of `run`.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

type context struct {
	configPath string
	logLevel   string
	logFormat  string
	addr       string
}

// loadConfig returns the configuration with command-line overrides applied.
func (c *context) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if c.configPath == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(c.configPath); err != nil {
		return nil, err
	}

	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.logFormat != "" {
		cfg.Log.Format = c.logFormat
	}
	if c.addr != "" {
		cfg.API.Addr = c.addr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *context) logger(cfg *config.Config) zerolog.Logger {
	return logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

func (c *context) newManager(cfg *config.Config, log zerolog.Logger, extra ...engine.Option) *engine.Manager {
	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithChildLogging(cfg.Log.Level, cfg.Log.Format),
		engine.WithReaperMode(reaper.Mode(cfg.Reaper.Mode)),
		engine.WithSweepInterval(cfg.Reaper.SweepInterval.Duration),
		engine.WithSubreaper(cfg.Reaper.Subreaper),
		engine.WithStopPolicy(cfg.Stop.Interval.Duration, cfg.Stop.EscalateAfter),
	}
	return engine.New(append(opts, extra...)...)
}

func (c *context) controlClient() (api.Controller, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	return newControlClient(cfg.API.Addr)
}
