// Command schemashift migrates a live document database from one schema
// shape to another: staged index deployment, safety-gated batch execution
// behind a compatibility layer, and backup-based rollback.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"schemashift/internal/config"
	"schemashift/internal/logging"
)

const usage = `Usage:
  schemashift indexes verify  -env <name> [-dir <configDir>] [-file <indexFile>]
  schemashift indexes deploy  [-dir <configDir>] [-file <indexFile>]
  schemashift migrate <dry-run|validate-only|execute> -env <name> [-entity <type>] [-skip-backup] [-dir <configDir>]
  schemashift migrate rollback -env <name> -reason <text> [-dir <configDir>]
`

func main() {
	// Credentials (Mongo URIs, AWS keys) come from the environment; a
	// .env file is a convenience for local runs.
	_ = godotenv.Load()

	if len(os.Args) < 3 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch os.Args[1] {
	case "indexes":
		code = runIndexes(ctx, os.Args[2], os.Args[3:])
	case "migrate":
		code = runMigrate(ctx, os.Args[2], os.Args[3:])
	default:
		fmt.Fprint(os.Stderr, usage)
		code = 2
	}

	_ = logging.Shutdown()
	os.Exit(code)
}

// setup loads the config stack and initializes logging. Shared by every
// subcommand.
func setup(configDir string) (*config.Config, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
