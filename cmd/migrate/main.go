// Command migrate runs database migrations via goose.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
//	go run ./cmd/migrate redo        # Roll back and re-apply last migration
//
// Migrations are embedded in the binary; -dir reads them from disk instead.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/bidsense/bidengine/internal/logging"
	"github.com/bidsense/bidengine/internal/retry"
	"github.com/bidsense/bidengine/migrations"
)

func main() {
	dir := flag.String("dir", "", "read migrations from this directory instead of the embedded set")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-dir path] <command> [args]")
		fmt.Fprintln(os.Stderr, "Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	ping := retry.Policy{
		Attempts:  5,
		BaseDelay: time.Second,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			logger.Warn("database not ready, retrying", "attempt", attempt, "wait", wait, "error", err)
		},
	}
	if err := ping.Do(ctx, db.PingContext); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	migrationsDir := *dir
	if migrationsDir == "" {
		goose.SetBaseFS(migrations.FS)
		migrationsDir = "."
	}
	if err := goose.SetDialect("postgres"); err != nil {
		logger.Error("failed to set dialect", "error", err)
		os.Exit(1)
	}

	command := flag.Arg(0)
	if err := goose.RunContext(ctx, command, db, migrationsDir, flag.Args()[1:]...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
}
