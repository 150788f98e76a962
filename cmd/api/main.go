package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paydesk.org/internal/account"
	"paydesk.org/internal/account/remote"
	"paydesk.org/internal/config"
	"paydesk.org/internal/httpapi"
	"paydesk.org/internal/idempotency"
	"paydesk.org/internal/invoice"
	"paydesk.org/internal/obs"
	"paydesk.org/internal/settlement"
	"paydesk.org/internal/store/pg"
	"paydesk.org/internal/stream"
)

var version = "0.3.1"

func main() {
	obs.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Invoice persistence: Postgres when a DSN is set, in-memory otherwise.
	var (
		db       *sql.DB
		invoices invoice.Service
	)
	if cfg.Database.DSN != "" {
		db, err = pg.Open(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		invoices = pg.NewInvoiceStore(db)
	} else {
		invoices = invoice.NewInMemory()
	}

	// Accounts live in a separate service in production. Without a base URL
	// this instance hosts them in process, which is what the smoke setup uses.
	var accounts account.Service
	if cfg.Accounts.BaseURL != "" {
		accounts = remote.New(cfg.Accounts.BaseURL,
			remote.WithTimeout(cfg.Accounts.Timeout),
			remote.WithAuthToken(cfg.Accounts.AuthToken),
		)
	} else if db != nil {
		accounts = pg.NewAccountStore(db)
	} else {
		accounts = account.NewInMemory()
	}

	// Settlement journal: shared Redis when configured, in-memory otherwise.
	var journal idempotency.Store
	if cfg.Redis.Addr != "" {
		journal, err = idempotency.NewRedis(idempotency.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Fatalf("connect journal: %v", err)
		}
	} else {
		journal = idempotency.NewInMemory()
	}

	events := stream.New()
	engine := settlement.NewEngine(invoices, accounts, journal, events, settlement.Config{
		JournalTTL:   cfg.Settlement.JournalTTL,
		JournalGrace: cfg.Settlement.JournalGrace,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reconciler := settlement.NewReconciler(accounts, journal, settlement.Config{
		JournalGrace: cfg.Settlement.JournalGrace,
	})
	reconciler.Start(ctx, cfg.Settlement.ReconcileInterval)

	api := httpapi.New(httpapi.Options{
		Ready:       httpapi.ReadyProbe{DB: db},
		Version:     version,
		Service:     "paydesk-api",
		Invoices:    invoices,
		Accounts:    accounts,
		Engine:      engine,
		Stream:      events,
		DisableAuth: cfg.Server.DisableAuth,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	log.Printf("Starting paydesk-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
