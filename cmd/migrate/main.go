package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"revealgate.dev/internal/migrate"
	"revealgate.dev/internal/obs"
	"revealgate.dev/internal/store/pg"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("REVEALGATE_DATABASE_DSN"), "PostgreSQL DSN")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	log := obs.Logger().Named("migrate")
	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or REVEALGATE_DATABASE_DSN")
	}
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: migrate [up|down|seed|status]")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	mgr := migrate.NewManager(db, pg.Migrations(), pg.Seeds())

	var lines []string
	switch cmd := flag.Arg(0); cmd {
	case "up":
		lines, err = mgr.Up(ctx)
	case "seed":
		lines, err = mgr.Seed(ctx)
	case "down":
		var name string
		if name, err = mgr.Down(ctx); err == nil {
			lines = []string{name}
		}
	case "status":
		lines, err = mgr.Status(ctx)
	default:
		log.Fatal("unknown command", zap.String("command", cmd))
	}
	if err != nil {
		log.Fatal("migrate failed", zap.String("command", flag.Arg(0)), zap.Error(err))
	}
	for _, l := range lines {
		fmt.Println(l)
	}
}
