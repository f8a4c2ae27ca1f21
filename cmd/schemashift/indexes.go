package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"schemashift/internal/config"
	"schemashift/internal/env"
	"schemashift/internal/index"
	"schemashift/internal/storage/mongo"
)

func runIndexes(ctx context.Context, verb string, args []string) int {
	fs := flag.NewFlagSet("indexes "+verb, flag.ExitOnError)
	envName := fs.String("env", "", "environment selector (default/staging/production)")
	configDir := fs.String("dir", "config", "configuration directory")
	indexFile := fs.String("file", "", "index definition file (overrides config)")
	fs.Parse(args)

	cfg, err := setup(*configDir)
	if err != nil {
		return fail(err)
	}
	if *indexFile != "" {
		cfg.Indexes.File = *indexFile
	}

	indexCfg, err := index.ParseFile(cfg.Indexes.File)
	if err != nil {
		return fail(err)
	}

	mapping, err := env.LoadMapping(cfg.Environments)
	if err != nil {
		return fail(err)
	}

	switch verb {
	case "verify":
		if *envName == "" {
			return fail(fmt.Errorf("indexes verify: -env is required"))
		}
		return indexesVerify(ctx, mapping, *envName, indexCfg.Indexes)
	case "deploy":
		return indexesDeploy(ctx, cfg, mapping, indexCfg.Indexes)
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
}

// indexesVerify compares expected definitions against one environment and
// prints the classification table. Exit 0 only when everything is present.
func indexesVerify(ctx context.Context, mapping *env.Mapping, envName string, expected []index.Definition) int {
	target, err := mapping.Resolve(envName)
	if err != nil {
		return fail(err)
	}

	backend, err := mongo.NewBackend(ctx, target.MongoURI, target.Database)
	if err != nil {
		return fail(fmt.Errorf("connect %s: %w", target.Name, err))
	}
	defer backend.Close(ctx)

	deployed, err := mongo.NewInventory(backend).Deployed(ctx, groupsOf(expected))
	if err != nil {
		return fail(err)
	}

	result := index.Compare(expected, deployed)
	printBucket("present", result.Present)
	printBucket("missing", result.Missing)
	printBucket("building", result.Building)
	printBucket("unexpected", result.Unexpected)

	if !result.AllPresent() {
		return 1
	}
	return 0
}

// indexesDeploy runs the staged rollout: staging must reach READY before
// production deployment starts.
func indexesDeploy(ctx context.Context, cfg *config.Config, mapping *env.Mapping, expected []index.Definition) int {
	var stages []index.Stage
	var backends []*mongo.Backend
	defer func() {
		for _, b := range backends {
			b.Close(context.Background())
		}
	}()

	for _, name := range []string{cfg.Indexes.Staging, cfg.Indexes.Production} {
		target, err := mapping.Resolve(name)
		if err != nil {
			return fail(err)
		}
		backend, err := mongo.NewBackend(ctx, target.MongoURI, target.Database)
		if err != nil {
			return fail(fmt.Errorf("connect %s: %w", target.Name, err))
		}
		backends = append(backends, backend)
		stages = append(stages, index.Stage{
			Name:      target.Name,
			Inventory: mongo.NewInventory(backend),
		})
	}

	pipeline := index.NewPipeline(expected, stages, index.PipelineOptions{
		PollInterval: cfg.Indexes.PollInterval,
		MaxWait:      cfg.Indexes.MaxWait,
		Logger:       slog.Default(),
	})

	if err := pipeline.Run(ctx); err != nil {
		for _, s := range stages {
			fmt.Printf("%-12s %s\n", s.Name, pipeline.State(s.Name))
		}
		return fail(err)
	}

	for _, s := range stages {
		fmt.Printf("%-12s %s\n", s.Name, pipeline.State(s.Name))
	}
	return 0
}

func printBucket(name string, defs []index.Definition) {
	fmt.Printf("%s (%d)\n", name, len(defs))
	for _, d := range defs {
		fmt.Printf("  %s\n", d.Identity())
	}
}

func groupsOf(defs []index.Definition) []string {
	seen := make(map[string]bool)
	var groups []string
	for _, d := range defs {
		if !seen[d.CollectionGroup] {
			seen[d.CollectionGroup] = true
			groups = append(groups, d.CollectionGroup)
		}
	}
	return groups
}
