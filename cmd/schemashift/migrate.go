package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"schemashift/internal/backup"
	"schemashift/internal/compat"
	"schemashift/internal/config"
	"schemashift/internal/env"
	"schemashift/internal/index"
	"schemashift/internal/migrate"
	"schemashift/internal/perf"
	"schemashift/internal/registry"
	"schemashift/internal/rollback"
	"schemashift/internal/safety"
	"schemashift/internal/storage/mongo"
)

func runMigrate(ctx context.Context, verb string, args []string) int {
	fs := flag.NewFlagSet("migrate "+verb, flag.ExitOnError)
	envName := fs.String("env", "", "environment selector (default/staging/production)")
	entity := fs.String("entity", "", "migrate only this entity type")
	reason := fs.String("reason", "", "reason recorded with the run or rollback")
	skipBackup := fs.Bool("skip-backup", false, "skip the backup pre-flight check (non-production only)")
	configDir := fs.String("dir", "config", "configuration directory")
	fs.Parse(args)

	var mode migrate.RunMode
	switch verb {
	case "dry-run":
		mode = migrate.ModeDryRun
	case "validate-only":
		mode = migrate.ModeValidateOnly
	case "execute":
		mode = migrate.ModeExecute
	case "rollback":
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	if *envName == "" {
		return fail(fmt.Errorf("migrate %s: -env is required", verb))
	}

	cfg, err := setup(*configDir)
	if err != nil {
		return fail(err)
	}

	rt, err := buildRuntime(ctx, cfg, *envName, *entity)
	if err != nil {
		return fail(err)
	}
	defer rt.close(ctx)

	if verb == "rollback" {
		return doRollback(ctx, rt, cfg, *reason)
	}
	return doMigrate(ctx, rt, cfg, mode, *skipBackup, *reason)
}

// runtime bundles the wired components every migrate verb needs.
type runtime struct {
	target   env.Target
	backend  *mongo.Backend
	reg      *registry.Registry
	expected []index.Definition
	mappings []compat.Mapping
	layers   []*compat.Layer
	backups  backup.Store
}

func (rt *runtime) close(ctx context.Context) {
	if rt.backend != nil {
		rt.backend.Close(ctx)
	}
}

func buildRuntime(ctx context.Context, cfg *config.Config, envName, entity string) (*runtime, error) {
	envMapping, err := env.LoadMapping(cfg.Environments)
	if err != nil {
		return nil, err
	}
	target, err := envMapping.Resolve(envName)
	if err != nil {
		return nil, err
	}

	indexCfg, err := index.ParseFile(cfg.Indexes.File)
	if err != nil {
		return nil, err
	}

	mappings, err := compat.LoadMappings(cfg.Entities)
	if err != nil {
		return nil, err
	}
	if entity != "" {
		m, err := compat.FindMapping(mappings, entity)
		if err != nil {
			return nil, err
		}
		mappings = []compat.Mapping{m}
	}

	backend, err := mongo.NewBackend(ctx, target.MongoURI, target.Database)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", target.Name, err)
	}

	reg := registry.New(backend, registry.Options{
		Tolerance: cfg.Performance.Tolerance,
		Logger:    slog.Default(),
	})
	if err := reg.Resume(ctx); err != nil {
		backend.Close(ctx)
		return nil, err
	}

	layers := make([]*compat.Layer, 0, len(mappings))
	for _, m := range mappings {
		layers = append(layers, compat.NewLayer(m, reg, slog.Default()))
	}

	var backups backup.Store
	if cfg.Backup.S3.Bucket != "" {
		backups, err = backup.NewS3Store(ctx, cfg.Backup.S3)
		if err != nil {
			backend.Close(ctx)
			return nil, err
		}
	}

	return &runtime{
		target:   target,
		backend:  backend,
		reg:      reg,
		expected: indexCfg.Indexes,
		mappings: mappings,
		layers:   layers,
		backups:  backups,
	}, nil
}

func doMigrate(ctx context.Context, rt *runtime, cfg *config.Config, mode migrate.RunMode, skipBackup bool, reason string) int {
	engine := safety.NewEngine(
		rt.backend,
		mongo.NewInventory(rt.backend),
		rt.backups,
		rt.expected,
		rt.mappings,
		rt.target,
		rt.reg,
		safety.Options{
			SkipBackup:   skipBackup,
			BackupWindow: cfg.Backup.Window,
			Logger:       slog.Default(),
		},
	)

	report := engine.Run(ctx)
	for _, w := range report.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	if !report.Passed {
		for _, e := range report.Errors {
			fmt.Fprintf(os.Stderr, "safety: %s\n", e)
		}
		return fail(safety.ErrSafetyCheckFailed)
	}

	validator := perf.NewValidator(rt.backend, probesFor(rt.mappings, cfg.Performance.ProbeLimit), perf.ValidatorOptions{
		Samples:   cfg.Performance.Samples,
		Tolerance: cfg.Performance.Tolerance,
		Logger:    slog.Default(),
	})

	executing := mode == migrate.ModeExecute
	if executing {
		if reason == "" {
			reason = "schema migration"
		}
		if err := rt.reg.EnableMigrationMode(ctx, reason); err != nil {
			return fail(err)
		}
		pre, err := validator.RecordBaseline(ctx)
		if err != nil {
			return fail(err)
		}
		if err := rt.reg.RecordBaseline(ctx, registry.PhasePre, pre); err != nil {
			return fail(err)
		}
	}

	// During execution queries may already use target fields; the index
	// pipeline was verified READY by the safety checks above.
	for _, layer := range rt.layers {
		layer.SetTargetIndexesReady(true)
	}

	execCfg := cfg.Migration
	execCfg.Mode = mode

	failed := 0
	for _, layer := range rt.layers {
		executor := migrate.NewExecutor(rt.backend, layer, execCfg, slog.Default())
		result, err := executor.MigrateCollection(ctx)
		fmt.Println(result.Summary(10))
		if err != nil {
			fmt.Fprintf(os.Stderr, "run aborted: %v\n", err)
			failed++
			continue
		}
		if result.Failed > 0 {
			failed++
		}
	}

	if executing {
		if err := rt.reg.BeginValidation(ctx); err != nil {
			return fail(err)
		}
		post, err := validator.RecordBaseline(ctx)
		if err != nil {
			return fail(err)
		}
		if err := rt.reg.RecordBaseline(ctx, registry.PhasePost, post); err != nil {
			return fail(err)
		}

		// A degraded verdict is advisory: surfaced, not auto-aborted.
		if ok, err := rt.reg.ValidateRegression(post); err != nil {
			return fail(err)
		} else if !ok {
			pre := rt.reg.PreBaseline()
			verdict := validator.CompareBaselines(*pre, post)
			fmt.Printf("warning: performance degraded (query %+.1f%%, realtime %+.1f%%); consider `schemashift migrate rollback`\n",
				verdict.QueryDelta, verdict.RealtimeDelta)
		}

		if err := rt.reg.MarkComplete(ctx); err != nil {
			return fail(err)
		}
		// Documents are dual-shape now, so legacy queries stay correct in
		// IDLE; returning there frees the registry for the next campaign.
		if err := rt.reg.DisableMigrationMode(ctx); err != nil {
			return fail(err)
		}
	}

	if failed > 0 {
		return 1
	}
	return 0
}

func doRollback(ctx context.Context, rt *runtime, cfg *config.Config, reason string) int {
	if reason == "" {
		return fail(fmt.Errorf("migrate rollback: -reason is required"))
	}
	if rt.backups == nil {
		return fail(backup.ErrNoBackupAvailable)
	}

	manager := rollback.NewManager(rt.reg, rt.backend, rt.backups, rt.layers, rollback.Options{
		Window:   cfg.Backup.Window,
		PageSize: cfg.Migration.PageSize,
		Logger:   slog.Default(),
	})

	result, err := manager.Rollback(ctx, reason)
	if err != nil {
		if errors.Is(err, backup.ErrNoBackupAvailable) {
			fmt.Fprintln(os.Stderr, "FATAL: rollback impossible, no verified backup inside the rollback window")
		}
		return fail(err)
	}

	for _, c := range result.Collections {
		fmt.Printf("restored %-20s %6d documents from backup %s\n", c.Collection, c.Restored, c.BackupID)
	}
	return 0
}

func probesFor(mappings []compat.Mapping, limit int) []perf.Probe {
	probes := make([]perf.Probe, 0, len(mappings))
	for _, m := range mappings {
		probes = append(probes, perf.Probe{
			Name:       m.Entity,
			Collection: m.Collection,
			Limit:      limit,
		})
	}
	return probes
}
