// Command sweeper runs the background cleanup passes: expired rate limit
// buckets and soft-deleted users past their recovery window.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tenantcore.org/internal/audit"
	"tenantcore.org/internal/config"
	"tenantcore.org/internal/docstore/pg"
	"tenantcore.org/internal/identity"
	"tenantcore.org/internal/membership"
	"tenantcore.org/internal/obs"
	"tenantcore.org/internal/ratelimit"
)

func main() {
	var (
		interval = flag.Duration("interval", 5*time.Minute, "Delay between sweep passes")
		once     = flag.Bool("once", false, "Run a single pass and exit")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Database.DSN == "" {
		log.Fatal("TENANTCORE_PG_DSN is required")
	}

	docs, err := pg.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer docs.Close()

	idp, err := identity.NewService(docs, cfg.Auth.Secret,
		identity.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	members, err := membership.NewService(docs, idp, audit.NewRecorder(docs))
	if err != nil {
		log.Fatalf("membership: %v", err)
	}
	limiter := ratelimit.New(docs,
		ratelimit.WithLoginPolicy(cfg.RateLimit.LoginMaxAttempts, cfg.RateLimit.LoginWindow),
		ratelimit.WithAPILimits(cfg.RateLimit.UserPerMinute, cfg.RateLimit.TenantPerMinute))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	for {
		sweep(limiter, members)
		if *once {
			return
		}
		select {
		case <-stop:
			return
		case <-time.After(*interval):
		}
	}
}

func sweep(limiter *ratelimit.Limiter, members *membership.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	buckets, err := limiter.Sweep(ctx)
	if err != nil {
		obs.LogEvent(map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"type":  "sweep",
			"stage": "rate_limits",
			"error": err.Error(),
		})
	}
	purged, err := members.PurgeExpired(ctx)
	if err != nil {
		obs.LogEvent(map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"type":  "sweep",
			"stage": "users",
			"error": err.Error(),
		})
	}
	obs.LogEvent(map[string]any{
		"ts":              time.Now().UTC().Format(time.RFC3339Nano),
		"type":            "sweep",
		"buckets_removed": buckets,
		"users_purged":    purged,
	})
}
