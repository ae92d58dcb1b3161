package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"territoria.org/internal/config"
	"territoria.org/internal/migrate"
	"territoria.org/internal/obs"
	"territoria.org/internal/store/pg"
	"territoria.org/ops/migrations"
)

func main() {
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	var (
		dsn            = flag.String("dsn", cfg.PGDSN, "PostgreSQL DSN (default "+config.Prefix+"PG_DSN)")
		migrationsPath = flag.String("migrations", cfg.MigrationsDir, "Directory of SQL migrations (default: embedded)")
		seedsPath      = flag.String("seeds", cfg.SeedsDir, "Directory of SQL seeds (default: embedded)")
		timeout        = flag.Duration("timeout", 5*time.Minute, "Overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or " + config.Prefix + "PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|pending]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn, pg.WithMaxOpenConns(2))
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(),
		dirOr(*migrationsPath, migrations.Schema()),
		dirOr(*seedsPath, migrations.Seeds()),
	)

	var names []string
	switch cmd := flag.Arg(0); cmd {
	case "up":
		names, err = mgr.Up(ctx)
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			log.Info("nothing to roll back")
			return
		}
		names = []string{name}
	case "seed":
		names, err = mgr.Seed(ctx)
	case "status":
		names, err = mgr.Status(ctx)
	case "pending":
		names, err = mgr.Pending(ctx)
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.WithError(err).Fatalf("migrate %s", flag.Arg(0))
	}
	for _, name := range names {
		fmt.Println(name)
	}
}

func dirOr(dir string, embedded fs.FS) fs.FS {
	if dir == "" {
		return embedded
	}
	return os.DirFS(dir)
}
