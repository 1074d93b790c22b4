package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cinelane/cinelane/app"
	"github.com/cinelane/cinelane/catalog"
	"github.com/cinelane/cinelane/config"
	"github.com/cinelane/cinelane/device"
	"github.com/cinelane/cinelane/entitlement"
	"github.com/cinelane/cinelane/identity"
	"github.com/cinelane/cinelane/library"
	"github.com/cinelane/cinelane/notify"
	"github.com/cinelane/cinelane/player"
	"github.com/cinelane/cinelane/profile"
	"github.com/cinelane/cinelane/progress"
	"github.com/cinelane/cinelane/session"
	"github.com/cinelane/cinelane/store"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Local .env is optional; real deployments inject the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db := store.NewClient(cfg.DatastoreURL, cfg.DatastoreKey)
	rt := store.NewRealtime(cfg.DatastoreURL, cfg.DatastoreKey)
	idp := identity.NewClient(cfg.IdentityURL, cfg.DatastoreKey)
	cat := catalog.NewClient(cfg.CatalogURL, cfg.CatalogToken, cfg.CatalogTimeout, cfg.CatalogCacheTTL)
	defer cat.Stop()

	notifier := notify.Log{}
	dev := device.New("")
	guard := session.NewGuard(db, session.RealtimeFeed{RT: rt}, idp, notifier, dev.DeviceID(), cfg.HeartbeatInterval)
	gate := entitlement.NewGate(db)
	history := library.NewHistory(db)
	bookmarks := library.NewBookmarks(db)
	profiles := profile.NewService(db)

	tracker := progress.NewTracker(db, progress.Config{
		Interval:                cfg.ProgressInterval,
		MinTrackedSeconds:       cfg.MinTrackedSeconds,
		MovieDurationEstimate:   cfg.MovieDurationEstimate,
		EpisodeDurationEstimate: cfg.EpisodeDurationEstimate,
		WatchRecordThreshold:    cfg.WatchRecordThreshold,
	}, history)

	ctrl := app.NewController(idp, guard, gate, cat, history, bookmarks, profiles, tracker, notifier)

	pl := player.New(ctrl, cat, tracker, player.NewProbeSurface(), notifier, player.Options{
		LoadTimeout:    cfg.SourceLoadTimeout,
		RetryBaseDelay: cfg.RetryBaseDelay,
		FailoverDelay:  cfg.FailoverDelay,
	})

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := ctrl.Resume(startCtx); err != nil {
		slog.Warn("session resume failed", "error", err)
	}
	cancel()

	// Optional headless sign-in for smoke runs against a live stack.
	if email, pw := os.Getenv("SIGNIN_EMAIL"), os.Getenv("SIGNIN_PASSWORD"); email != "" && pw != "" {
		signCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := ctrl.SignIn(signCtx, email, pw); err != nil {
			slog.Error("sign-in failed", "error", err)
		}
		cancel()
	}

	slog.Info("cinelane client running", "device", dev.DeviceID(), "signed_in", ctrl.View().SignedIn)

	// Wait for interrupt or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	pl.Close(shutdownCtx)
	if err := ctrl.SignOut(shutdownCtx); err != nil {
		slog.Warn("sign-out during shutdown failed", "error", err)
	}
	slog.Info("stopped")
}
