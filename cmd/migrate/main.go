package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"impactsurvey.org/internal/migrate"
	"impactsurvey.org/internal/obs"
)

func main() {
	// a missing .env is fine; the environment may carry everything
	_ = godotenv.Load()

	var (
		dsn     = flag.String("dsn", os.Getenv("IMPACT_PG_DSN"), "PostgreSQL DSN")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall deadline")
	)
	flag.Parse()
	logger := obs.Logger()

	if *dsn == "" {
		logger.Error("missing DSN: provide via -dsn or IMPACT_PG_DSN")
		os.Exit(2)
	}
	if len(flag.Args()) == 0 {
		fmt.Fprintln(os.Stderr, "usage: migrate [up|down|seed|status]")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		logger.Error("open db", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	mgr := migrate.NewManager(db)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		if err == nil {
			logger.Info("migrations applied", "count", len(applied), "versions", applied)
		}
	case "down":
		var rolled string
		rolled, err = mgr.Down(ctx)
		if err == nil {
			logger.Info("migration rolled back", "version", rolled)
		}
	case "seed":
		err = mgr.Seed(ctx)
		if err == nil {
			logger.Info("seeds applied")
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		logger.Error("unknown command", "command", cmd)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("migrate failed", "command", cmd, "error", err.Error())
		os.Exit(1)
	}
}
