package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"carebridge.org/internal/migrate"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("CAREBRIDGE_PG_DSN"), "PostgreSQL DSN")
	migrationsPath := flag.String("migrations", "ops/migrations/sql", "Path to SQL migrations")
	seedsPath := flag.String("seeds", "ops/migrations/seeds", "Path to SQL seeds")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall command timeout")
	flag.Parse()

	if err := run(*dsn, *migrationsPath, *seedsPath, *timeout, flag.Arg(0)); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run(dsn, migrationsPath, seedsPath string, timeout time.Duration, command string) error {
	if dsn == "" {
		return fmt.Errorf("no DSN: set -dsn or CAREBRIDGE_PG_DSN")
	}
	if command == "" {
		return fmt.Errorf("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrationsPath, seedsPath)

	switch command {
	case "up":
		return mgr.Up(ctx)
	case "down":
		return mgr.Down(ctx)
	case "seed":
		return mgr.Seed(ctx)
	case "status":
		applied, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Println("no migrations applied")
			return nil
		}
		for _, name := range applied {
			fmt.Println(name)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
