package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/auxclash/auxclash-backend/internal/catalog"
	"github.com/auxclash/auxclash-backend/internal/config"
	"github.com/auxclash/auxclash-backend/internal/deck"
	"github.com/auxclash/auxclash-backend/internal/httpapi"
	"github.com/auxclash/auxclash-backend/internal/hub"
	"github.com/auxclash/auxclash-backend/internal/logging"
	"github.com/auxclash/auxclash-backend/internal/store"
	"github.com/auxclash/auxclash-backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.DatabaseURL != "" {
		db, err := store.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if err := store.Migrate(db); err != nil {
			return err
		}
		st = store.NewPostgres(db)
		log.Info("using postgres store")
	} else {
		st = store.NewMemory()
		log.Warn("DATABASE_URL not set, sessions will not survive restarts")
	}

	h := hub.NewHub(ctx, st, cfg.VotingDuration, log)
	if err := h.Recover(ctx); err != nil {
		return err
	}

	cat := catalog.NewSpotifyClient(cfg.SpotifyClientID, cfg.SpotifyClientSecret)
	decks := deck.NewService(st, cat, log)

	api := httpapi.NewServer(st, h, decks, cat, log)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Routes(ws.Handler(h, st, decks, log)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		h.Inbox() <- hub.ShutdownHub{}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
