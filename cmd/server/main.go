package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"registrar/internal/api"
	"registrar/internal/cache"
	"registrar/internal/calendar"
	"registrar/internal/config"
	"registrar/internal/db"
	"registrar/internal/directory"
	"registrar/internal/engine"
	"registrar/internal/lock"
	"registrar/internal/notify"
	"registrar/internal/store"
	"registrar/internal/tasks"
	"registrar/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	sqdb, err := db.OpenSQLite(cfg.DBPath, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer sqdb.Close()
	if err := db.ApplyMigrationFile(sqdb, "migrations/001_init.sql"); err != nil {
		log.Fatalf("migration: %v", err)
	}

	st := store.New(sqdb)
	locks := lock.New(sqdb, cfg.LockTTL, cfg.LockRetryDelay, cfg.LockTries)
	sender := notify.NewSender(cfg)

	var dir directory.Service
	if cfg.DirectoryDBDriver != "" {
		sqlDir, err := directory.NewFromConfig(cfg)
		if err != nil {
			log.Fatalf("directory: %v", err)
		}
		defer sqlDir.Close()
		dir = sqlDir
	} else {
		log.Printf("level=warn msg=\"no directory backend configured, directory-backed rules will deny\"")
		dir = &directory.Static{}
	}

	eng := engine.New(st, cache.NewMemory(), locks, dir, sender, calendar.LogSyncer{}, cfg.CounterRetries)
	sched := tasks.NewScheduler()

	if cfg.OfflineAutoRun {
		sched.Defer(context.Background(), "offline-startup", cfg.OfflineDelay, func(ctx context.Context) {
			if err := eng.RunOffline(ctx); err != nil {
				log.Printf("level=error msg=\"startup offline run failed\" err=%q", err)
			}
		})
	}

	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(cfg, sqdb, st, eng, sched),
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hsrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("level=error msg=\"shutdown\" err=%q", err)
		}
	}()

	v := version.Current()
	log.Printf("listening on %s version=%s commit=%s", cfg.ListenAddr, v.Version, v.Commit)
	if err := hsrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
	sched.Close()
}
