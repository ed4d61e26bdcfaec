package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tenantcore.org/internal/audit"
	"tenantcore.org/internal/config"
	"tenantcore.org/internal/docstore"
	"tenantcore.org/internal/docstore/memory"
	"tenantcore.org/internal/docstore/pg"
	"tenantcore.org/internal/httpapi"
	"tenantcore.org/internal/identity"
	"tenantcore.org/internal/membership"
	"tenantcore.org/internal/obs"
	"tenantcore.org/internal/ratelimit"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var docs docstore.Store
	var db *sql.DB
	if cfg.Database.DSN != "" {
		db, err = sql.Open("pgx", cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		docs = pg.New(db)
	} else {
		// In-memory store for local development; data does not survive restarts.
		log.Printf("TENANTCORE_PG_DSN not set, using in-memory store")
		docs = memory.New()
	}

	idp, err := identity.NewService(docs, cfg.Auth.Secret,
		identity.WithIssuer(cfg.Auth.Issuer),
		identity.WithAccessTTL(cfg.Auth.AccessTTL))
	if err != nil {
		log.Fatalf("identity: %v", err)
	}

	rec := audit.NewRecorder(docs)

	members, err := membership.NewService(docs, idp, rec,
		membership.WithDefaultMaxUsers(cfg.Tenant.DefaultMaxUsers),
		membership.WithInviteTTL(cfg.Tenant.InviteTTL))
	if err != nil {
		log.Fatalf("membership: %v", err)
	}

	limiter := ratelimit.New(docs,
		ratelimit.WithLoginPolicy(cfg.RateLimit.LoginMaxAttempts, cfg.RateLimit.LoginWindow),
		ratelimit.WithAPILimits(cfg.RateLimit.UserPerMinute, cfg.RateLimit.TenantPerMinute))

	api := httpapi.New(docs, idp, members, limiter, cfg, version)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.Handler(), // already wrapped with metrics in httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting tenantcore-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
