package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/agent"
	"github.com/m4xw311/acpbridge/config"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/jsonrpc"
	"github.com/m4xw311/acpbridge/llm"
	"github.com/m4xw311/acpbridge/logging"
	"github.com/m4xw311/acpbridge/protocol"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

type flags struct {
	toolset  string
	mode     string
	trace    bool
	logLevel string
	debug    bool
}

var rootFlags flags

var rootCmd = &cobra.Command{
	Use:   "acpbridge",
	Short: "Coding agent speaking the Agent Client Protocol",
	Long: `acpbridge lets an editor such as Zed drive a model-backed coding agent.

By default it serves ACP on stdin/stdout. Configuration is read from
~/.compell/config.yaml, then ./.compell/config.yaml, then ACP_* environment
variables (a .env file in the working directory is loaded first).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		rt, err := setup(ctx, rootFlags, os.Getenv)
		if err != nil {
			return err
		}
		defer rt.Close()
		return rt.serve(ctx, os.Stdin, os.Stdout)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&rootFlags.toolset, "toolset", "t", "", "toolset to give new sessions (defaults to 'default')")
	pf.StringVarP(&rootFlags.mode, "mode", "m", "", "permission mode: 'auto' or 'prompt'")
	pf.BoolVar(&rootFlags.trace, "trace", false, "write logs to "+logging.TraceFile+" instead of stderr")
	pf.StringVar(&rootFlags.logLevel, "log-level", "", "log level (DEBUG|INFO|WARN|ERROR)")
	pf.BoolVar(&rootFlags.debug, "debug", false, "include error details in protocol errors")

	rootCmd.AddCommand(wsCmd)
}

// runtime is everything a connection needs, built once per process.
type runtime struct {
	cfg      *config.Config
	opts     acp.Options
	connOpts []jsonrpc.Option
	closers  []io.Closer
}

// setup loads configuration, applies flag overrides, configures logging and
// creates the model driver.
func setup(ctx context.Context, f flags, getenv func(string) string) (*runtime, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "error loading .env")
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	return newRuntime(ctx, cfg, f, getenv)
}

func newRuntime(ctx context.Context, cfg *config.Config, f flags, getenv func(string) string) (*runtime, error) {
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	if f.mode != "" {
		cfg.Bridge.PermissionMode = f.mode
	}
	if f.logLevel != "" {
		cfg.Bridge.LogLevel = f.logLevel
	}
	if f.debug {
		cfg.Bridge.Debug = true
	}
	if err := cfg.Bridge.Validate(); err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg}
	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.Bridge.LogLevel)
	if f.trace {
		trace, err := logging.OpenTrace("")
		if err != nil {
			return nil, errors.Wrapf(err, "could not open trace file")
		}
		rt.closers = append(rt.closers, trace)
		logCfg.Output = trace
	}
	logging.Init(logCfg)

	client, err := llm.New(ctx, cfg.LLMClient, cfg.Model)
	if err != nil {
		rt.Close()
		return nil, err
	}
	logging.Info().Str("llm", cfg.LLMClient).Str("model", cfg.Model).Str("mode", cfg.Bridge.PermissionMode).Msg("agent configured")

	rt.opts = acp.Options{
		Config:  cfg,
		Toolset: f.toolset,
		Driver:  agent.NewLLMDriver(client, cfg.Bridge.MaxSteps),
		Version: Version,
	}
	rt.connOpts = []jsonrpc.Option{
		jsonrpc.WithRequestTimeout(cfg.Bridge.RequestTimeout),
		jsonrpc.WithDebug(cfg.Bridge.Debug),
		jsonrpc.WithRetryableTimeouts(protocol.MethodFsReadTextFile),
	}
	return rt, nil
}

func (rt *runtime) serve(ctx context.Context, r io.Reader, w io.Writer) error {
	return acp.Run(ctx, r, w, rt.opts, rt.connOpts...)
}

func (rt *runtime) Close() error {
	for _, c := range rt.closers {
		c.Close()
	}
	rt.closers = nil
	return nil
}
