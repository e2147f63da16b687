package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rollout/pkg/archive"
	"github.com/openfroyo/rollout/pkg/config"
	"github.com/openfroyo/rollout/pkg/deployment"
	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/hardware"
	"github.com/openfroyo/rollout/pkg/policy"
	"github.com/openfroyo/rollout/pkg/runner/client"
	"github.com/openfroyo/rollout/pkg/runner/local"
	"github.com/openfroyo/rollout/pkg/runner/protocol"
	"github.com/openfroyo/rollout/pkg/statestore"
	"github.com/openfroyo/rollout/pkg/stores"
	"github.com/openfroyo/rollout/pkg/telemetry"
)

// planScriptTimeout bounds Starlark plan configs.
const planScriptTimeout = 30 * time.Second

// app holds what every command needs. Engine-facing parts are created on
// demand because read-only commands never touch the engine.
type app struct {
	settings  *config.Settings
	logger    zerolog.Logger
	tel       *telemetry.Telemetry
	store     *statestore.FileStore
	artifacts *stores.SQLiteStore
	out       io.Writer

	bridge *client.Client
}

func newApp(cmd *cobra.Command) (*app, error) {
	ctx := cmd.Context()

	settings, err := config.LoadSettings(configPath, ".env")
	if err != nil {
		return nil, engine.NewConfigurationError("failed to load settings", err)
	}
	if verbose {
		settings.Logging.Level = "debug"
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	tel, err := telemetry.NewTelemetry(&settings.Config)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to set up telemetry", err)
	}
	logger := tel.Logger

	store, err := statestore.New(settings.StateDir, logger, statestore.WithArchiveDir(settings.ArchiveDir()))
	if err != nil {
		return nil, engine.NewPersistenceError("failed to open state store", err)
	}
	artifacts, err := stores.Open(ctx, stores.Config{Path: settings.ArtifactsPath(), Logger: logger})
	if err != nil {
		return nil, engine.NewPersistenceError("failed to open artifact store", err)
	}
	if err := artifacts.HealthCheck(ctx); err != nil {
		_ = artifacts.Close()
		return nil, engine.NewPersistenceError("artifact store is unavailable", err)
	}
	if retention := settings.Artifacts.Retention; retention > 0 {
		n, err := artifacts.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn().Err(err).Dur("retention", retention).Msg("failed to prune artifacts")
		} else if n > 0 {
			logger.Debug().Int64("runs", n).Dur("retention", retention).Msg("pruned old runs")
		}
	}

	// Persist the event stream next to the run artifacts.
	tel.Events.Subscribe(artifacts.EventSubscriber(), telemetry.FilterByLevel(settings.Events.Level))

	return &app{
		settings:  settings,
		logger:    logger,
		tel:       tel,
		store:     store,
		artifacts: artifacts,
		out:       cmd.OutOrStdout(),
	}, nil
}

// Close releases the engine bridge and flushes telemetry.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.bridge != nil {
		if err := a.bridge.Close(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("failed to stop engine bridge")
		}
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Debug().Err(err).Msg("telemetry shutdown")
	}
	if err := a.artifacts.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close artifact store")
	}
}

// engineClient returns the bridge client, creating it on first use.
func (a *app) engineClient() (*client.Client, error) {
	if a.bridge != nil {
		return a.bridge, nil
	}
	es := a.settings.Engine
	c, err := client.New(client.Config{
		Transport: &client.CommandTransport{
			Command: es.Command,
			Args:    es.Args,
			Env:     es.Env,
			Stderr:  os.Stderr,
		},
		StartupTimeout: es.StartupTimeout,
		OnEvent: func(ev *protocol.EventMessage) {
			a.logger.Debug().Str("host", ev.Host).Str("level", ev.Level).Msg(ev.Message)
		},
		Logger: a.logger,
	})
	if err != nil {
		return nil, engine.NewConfigurationError("invalid engine settings", err)
	}
	a.bridge = c
	return c, nil
}

// loadPlan reads a plan config and an inventory and binds them.
func (a *app) loadPlan(ctx context.Context, planPath, invPath string) (*deployment.Plan, *engine.Inventory, error) {
	loader := config.NewLoader(planScriptTimeout, a.logger)
	pc, err := loader.LoadPlan(ctx, planPath)
	if err != nil {
		return nil, nil, err
	}
	inv, err := config.LoadInventory(invPath)
	if err != nil {
		return nil, nil, err
	}
	plan, err := pc.Plan(inv, time.Now().UTC())
	if err != nil {
		return nil, nil, err
	}
	return plan, inv, nil
}

func (a *app) profile(ctx context.Context) (hardware.Profile, hardware.Tuning) {
	return hardware.NewProfiler(hardware.SystemReader{}, a.logger).Profile(ctx)
}

func (a *app) executor(eng engine.Engine, inv *engine.Inventory) *deployment.Executor {
	return deployment.NewExecutor(deployment.ExecutorConfig{
		Engine:    eng,
		Inventory: inv,
		Commands:  local.ShellRunner{},
		Telemetry: a.tel,
		Logger:    a.logger,
	})
}

// securityPredicate builds the security-path predicate from settings. It
// is nil when nothing is configured.
func (a *app) securityPredicate(ctx context.Context) (func(string) bool, error) {
	sec := a.settings.Security
	pred, err := policy.NewSecurityPredicate(ctx, policy.SecurityOptions{
		Globs:        sec.Globs,
		RegoFile:     sec.RegoFile,
		StarlarkFile: sec.StarlarkFile,
	}, a.logger)
	if err != nil {
		return nil, engine.NewConfigurationError("invalid security path settings", err)
	}
	if pred == nil {
		return nil, nil
	}
	return pred, nil
}

// guardrails loads the configured policies and applies the enable and
// disable lists. It is nil when no policy is configured.
func (a *app) guardrails(ctx context.Context) (*policy.Engine, error) {
	g := a.settings.Guardrails
	if !g.Builtins && len(g.Paths) == 0 {
		return nil, nil
	}
	pe := policy.NewEngine(a.logger)
	if g.Builtins {
		if err := pe.LoadBuiltins(ctx); err != nil {
			return nil, engine.NewConfigurationError("failed to load built-in guardrails", err)
		}
	}
	if len(g.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, g.Paths); err != nil {
			return nil, engine.NewConfigurationError("failed to load guardrail policies", err)
		}
	}
	for _, name := range g.Disable {
		if err := pe.DisablePolicy(name); err != nil {
			return nil, engine.NewConfigurationError("cannot disable guardrail", err).WithDetail("policy", name)
		}
	}
	for _, name := range g.Enable {
		if err := pe.EnablePolicy(name); err != nil {
			return nil, engine.NewConfigurationError("cannot enable guardrail", err).WithDetail("policy", name)
		}
	}
	return pe, nil
}

// remote returns the S3 uploader when archival to S3 is configured.
func (a *app) remote() (*archive.S3Uploader, error) {
	s3 := a.settings.Archive.S3
	if !a.settings.Archive.Enabled || !s3.Configured() {
		return nil, nil
	}
	u, err := archive.NewS3Uploader(s3, a.logger)
	if err != nil {
		return nil, engine.NewConfigurationError("invalid archive settings", err)
	}
	return u, nil
}

// lastState loads the persisted record of a plan, if any.
func (a *app) lastState(ctx context.Context, planID string) *deployment.State {
	st, err := a.store.Load(ctx, planID)
	if err != nil {
		if !errors.Is(err, statestore.ErrNotFound) {
			a.logger.Warn().Err(err).Str("plan_id", planID).Msg("failed to load last state")
		}
		return nil
	}
	return st
}

// withApp wraps a RunE so the app is created before and closed after it.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		cmd.SetContext(a.tel.WithContext(cmd.Context()))
		return fn(cmd, a, args)
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, engine.NewConfigurationError(fmt.Sprintf("invalid id %q", s), err)
	}
	return id, nil
}
