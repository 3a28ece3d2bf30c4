package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ogulcanaydogan/bazel-compose/internal/bazel"
	"github.com/ogulcanaydogan/bazel-compose/internal/compose"
	"github.com/ogulcanaydogan/bazel-compose/internal/config"
	"github.com/ogulcanaydogan/bazel-compose/internal/fingerprint"
	"github.com/ogulcanaydogan/bazel-compose/internal/logging"
	policyrego "github.com/ogulcanaydogan/bazel-compose/internal/policy/rego"
	"github.com/ogulcanaydogan/bazel-compose/internal/reconcile"
	"github.com/ogulcanaydogan/bazel-compose/internal/status"
	"github.com/ogulcanaydogan/bazel-compose/internal/stream"
	"github.com/ogulcanaydogan/bazel-compose/internal/target"
	"github.com/ogulcanaydogan/bazel-compose/pkg/schema"
)

const (
	exitGeneric    = 1
	exitConfig     = 2
	exitLaunch     = 3
	exitTerminated = 4
)

type cliError struct {
	code int
	err  error
}

func (e cliError) Error() string { return e.err.Error() }

func (e cliError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := newRootCommand()
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		var ce cliError
		if errors.As(err, &ce) {
			fmt.Fprintln(os.Stderr, ce.err)
			os.Exit(ce.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitGeneric)
	}
}

// builder is everything the watch needs from bazel.
type builder interface {
	stream.Launcher
	fingerprint.Reader
	reconcile.Retagger
}

// orchestrator is everything the watch needs from docker-compose.
type orchestrator interface {
	reconcile.Restarter
	Up(ctx context.Context, out io.Writer, services ...string) error
	Logs(ctx context.Context, services ...string) error
}

// Package-level variables for test injection.
var newBuilder = func(dir string, cfg config.Config) builder {
	c := bazel.New(dir)
	c.IBazel = cfg.Commands.IBazel
	c.Bazel = cfg.Commands.Bazel
	return c
}

var newOrchestrator = func(cfg config.Config, m *compose.Manifest, stdout, stderr io.Writer) (orchestrator, error) {
	c, err := compose.NewClient(cfg.Commands.Compose, m)
	if err != nil {
		return nil, err
	}
	c.Stdout = stdout
	c.Stderr = stderr
	return c, nil
}

var logRestartDelay = time.Second

type watchOptions struct {
	everything bool
	follow     []string
	statusAddr string
	policy     string
	logLevel   string
	logFormat  string
}

func newRootCommand() *cobra.Command {
	var opts watchOptions
	root := &cobra.Command{
		Use:           "bazel-compose [cwd]",
		Short:         "Rebuild and redeploy docker-compose services built by bazel",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := workspaceDir(args)
			if err != nil {
				return cliError{code: exitConfig, err: err}
			}
			return runWatch(cmd, dir, opts)
		},
	}
	root.Flags().BoolVar(&opts.everything, "everything", true, "start every service before watching")
	root.Flags().StringSliceVar(&opts.follow, "follow", nil, "only tail the logs of these services")
	root.Flags().StringVar(&opts.statusAddr, "status-addr", "", "serve /healthz, /status and /metrics on this address")
	root.Flags().StringVar(&opts.policy, "policy", "", "rego policy that must allow every redeploy")
	root.Flags().StringVar(&opts.logLevel, "log-level", "", "debug|info|warn|error")
	root.Flags().StringVar(&opts.logFormat, "log-format", "", "text|json")

	root.AddCommand(newServicesCommand())
	root.AddCommand(newNormalizeCommand())
	root.AddCommand(newValidateCommand())
	return root
}

func workspaceDir(args []string) (string, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	return abs, nil
}

// loadWorkspace reads the config of dir, applies mutate and loads the
// manifest it points at.
func loadWorkspace(dir string, mutate func(*config.Config)) (config.Config, *compose.Manifest, error) {
	cfg, err := config.LoadWorkspace(dir)
	if err != nil {
		return config.Config{}, nil, cliError{code: exitConfig, err: err}
	}
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, cliError{code: exitConfig, err: fmt.Errorf("invalid config: %w", err)}
	}
	m, err := compose.LoadManifest(cfg.Files(dir))
	if err != nil {
		return config.Config{}, nil, cliError{code: exitConfig, err: err}
	}
	return cfg, m, nil
}

func runWatch(cmd *cobra.Command, dir string, opts watchOptions) error {
	cfg, manifest, err := loadWorkspace(dir, func(c *config.Config) {
		if opts.logLevel != "" {
			c.Log.Level = opts.logLevel
		}
		if opts.logFormat != "" {
			c.Log.Format = opts.logFormat
		}
		if opts.policy != "" {
			c.Policy = opts.policy
		}
		if opts.statusAddr != "" {
			c.StatusAddr = opts.statusAddr
		}
		if len(opts.follow) > 0 {
			c.Follow = opts.follow
		}
	})
	if err != nil {
		return err
	}
	logCfg := cfg.Logging()
	logCfg.Writer = cmd.ErrOrStderr()
	logger, err := logging.New(logCfg)
	if err != nil {
		return cliError{code: exitConfig, err: err}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	reconcileOpts := []reconcile.Option{reconcile.WithLogger(logger)}
	if cfg.Policy != "" {
		policyPath := cfg.Policy
		if !filepath.IsAbs(policyPath) {
			policyPath = filepath.Join(dir, policyPath)
		}
		gate, err := policyrego.Load(ctx, policyPath)
		if err != nil {
			return cliError{code: exitConfig, err: err}
		}
		logger.Info("redeploy policy loaded", "path", gate.Path())
		reconcileOpts = append(reconcileOpts, reconcile.WithGate(gate))
	}

	orch, err := newOrchestrator(cfg, manifest, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return cliError{code: exitConfig, err: err}
	}
	bz := newBuilder(dir, cfg)

	backed := make(map[string]string)
	for svc, ref := range manifest.BackedTargets() {
		backed[svc] = ref.String()
	}
	recorder := status.NewRecorder(backed)
	reconcileOpts = append(reconcileOpts, reconcile.WithObserver(recorder.Observe))

	if opts.everything {
		logger.Info("starting all services")
		if err := orch.Up(ctx, cmd.OutOrStdout()); err != nil {
			logger.Warn("could not start every service", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.StatusAddr != "" {
		g.Go(func() error {
			logger.Info("status server listening", "addr", cfg.StatusAddr)
			return status.Serve(gctx, cfg.StatusAddr, status.NewMux(recorder))
		})
	}
	g.Go(func() error {
		return watch(gctx, logger, bz, orch, manifest, reconcileOpts)
	})
	g.Go(func() error {
		followLogs(gctx, logger, orch, cfg.Follow)
		return nil
	})

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func watch(ctx context.Context, logger *slog.Logger, bz builder, orch orchestrator, m *compose.Manifest, opts []reconcile.Option) error {
	targets := m.Targets()
	if len(targets) == 0 {
		logger.Warn("no services are built by bazel, nothing to watch")
		<-ctx.Done()
		return nil
	}
	store := fingerprint.NewStore(bz)
	s, err := stream.Open(ctx, bz, store, targets, stream.WithLogger(logger))
	if err != nil {
		return cliError{code: exitLaunch, err: err}
	}
	defer s.Close()

	r := reconcile.New(m, bz, orch, opts...)
	if err := r.Run(ctx, s); err != nil {
		if errors.Is(err, stream.ErrTerminated) || errors.Is(err, stream.ErrMalformedEvent) {
			return cliError{code: exitTerminated, err: err}
		}
		return err
	}
	return nil
}

// followLogs tails service logs until ctx is done, restarting the tail after
// a short pause whenever it exits.
func followLogs(ctx context.Context, logger *slog.Logger, orch orchestrator, services []string) {
	for {
		logger.Debug("following service logs", "services", services)
		if err := orch.Logs(ctx, services...); err != nil && ctx.Err() == nil {
			logger.Debug("log tail exited", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(logRestartDelay):
		}
	}
}

func newServicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "services [cwd]",
		Short: "List the services built by bazel and their targets",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := workspaceDir(args)
			if err != nil {
				return cliError{code: exitConfig, err: err}
			}
			_, m, err := loadWorkspace(dir, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			targets := m.BackedTargets()
			for _, svc := range m.BackedServices() {
				fmt.Fprintf(out, "%s\t%s\n", svc, targets[svc])
			}
			return nil
		},
	}
}

func newNormalizeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize <target>...",
		Short: "Print the canonical and digest form of build targets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, raw := range args {
				ref, err := target.Normalize(raw)
				if err != nil {
					return cliError{code: exitGeneric, err: err}
				}
				digest, err := target.FingerprintTarget(raw)
				if err != nil {
					return cliError{code: exitGeneric, err: err}
				}
				fmt.Fprintf(out, "%s\t%s\n", ref, digest)
			}
			return nil
		},
	}
}

func newValidateCommand() *cobra.Command {
	var schemaPath string
	cmd := &cobra.Command{
		Use:   "validate [cwd]",
		Short: "Check the workspace config and service manifest",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := workspaceDir(args)
			if err != nil {
				return cliError{code: exitConfig, err: err}
			}
			cfg, m, err := loadWorkspace(dir, nil)
			if err != nil {
				return err
			}
			if schemaPath != "" {
				violations, err := validateWithSchema(schemaPath, cfg.Files(dir).SourcePath())
				if err != nil {
					return cliError{code: exitGeneric, err: err}
				}
				if len(violations) > 0 {
					return cliError{code: exitConfig, err: fmt.Errorf("manifest does not match %s: %s", schemaPath, strings.Join(violations, "; "))}
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "manifest ok: %d services, %d built by bazel\n", len(m.Services()), len(m.BackedServices()))
			return nil
		},
	}
	cmd.Flags().StringVar(&schemaPath, "schema", "", "additional JSON schema the manifest must satisfy")
	return cmd
}

func validateWithSchema(schemaPath, manifestPath string) ([]string, error) {
	schemaPath, err := filepath.Abs(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", manifestPath, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", manifestPath, err)
	}
	return schema.Validate(schemaPath, doc)
}
