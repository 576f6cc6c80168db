// Command migrate manages the versioned schema in db/migrations.
//
// Usage:
//
//	migrate [--path DIR] up|down|version
//
//	up:      apply all pending migrations (the recorder also does this at boot)
//	down:    roll back the most recent migration (development use only)
//	version: print the current version and whether it is dirty
//
// DB_DSN selects the database. --path defaults to the first db/migrations or
// migrations directory found relative to the working directory.
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/onnwee/stream-recorder/db"
)

var errUsage = errors.New("usage: migrate [--path DIR] up|down|version")

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cmd, path, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	database, err := db.Connect(dsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() { _ = database.Close() }()

	if err := run(cmd, path, database, os.Stdout); err != nil {
		slog.Error("migrate failed", slog.String("command", cmd), slog.Any("err", err))
		os.Exit(1)
	}
}

// parseArgs returns the subcommand and a file:// migrations source.
func parseArgs(args []string) (cmd, path string, err error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dir := fs.String("path", "", "migrations directory")
	if err := fs.Parse(args); err != nil {
		return "", "", errUsage
	}
	if fs.NArg() != 1 {
		return "", "", errUsage
	}
	switch cmd = fs.Arg(0); cmd {
	case "up", "down", "version":
	default:
		return "", "", errUsage
	}

	if *dir == "" {
		path, err = db.MigrationsPath()
		return cmd, path, err
	}
	abs, err := filepath.Abs(*dir)
	if err != nil {
		return "", "", fmt.Errorf("resolve %s: %w", *dir, err)
	}
	return cmd, "file://" + abs, nil
}

func run(cmd, path string, database *sql.DB, out io.Writer) error {
	switch cmd {
	case "up":
		if err := db.RunMigrationsFromPath(database, path); err != nil {
			return err
		}
	case "down":
		if err := db.MigrateDownFromPath(database, path); err != nil {
			return err
		}
	case "version":
	default:
		return errUsage
	}
	version, dirty, err := db.GetMigrationVersion(database, path)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "version=%d dirty=%v\n", version, dirty)
	return err
}
