package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/GetStream/event-chat/api"
	"github.com/GetStream/event-chat/api/validator"
	"github.com/GetStream/event-chat/blob"
	"github.com/GetStream/event-chat/chat"
	"github.com/GetStream/event-chat/config"
	"github.com/GetStream/event-chat/memstore"
	"github.com/GetStream/event-chat/postgres"
	"github.com/GetStream/event-chat/redis"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var serveOpts struct {
	addr   string
	memory bool
	users  []string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		if serveOpts.addr != "" {
			cfg.HTTPAddr = serveOpts.addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, slog.Default())
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveOpts.addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	f.BoolVar(&serveOpts.memory, "memory", false, "keep all data in memory instead of Postgres, Redis and disk")
	f.StringArrayVar(&serveOpts.users, "seed-user", nil, "with --memory, create a verified user given as uid=email")
	rootCmd.AddCommand(serveCmd)
}

// backend is the set of stores the server runs on.
type backend struct {
	db       api.DB
	messages chat.MessageStore
	profiles chat.ProfileStore
	presence chat.PresenceStore
	mod      chat.ModerationStore
	blobs    *blob.Store
	close    func()
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	filesURL := strings.TrimSuffix(cfg.PublicURL, "/") + "/attachments/"

	var (
		b   *backend
		err error
	)
	if serveOpts.memory {
		b, err = memoryBackend(filesURL, serveOpts.users)
	} else {
		b, err = storeBackend(ctx, cfg, filesURL, logger)
	}
	if err != nil {
		return err
	}
	defer b.close()

	a := &api.API{
		Logger: logger,
		DB:     b.db,
		Val:    validator.New(),
		Chat: chat.Deps{
			Messages:   b.messages,
			Presence:   b.presence,
			Blobs:      b.blobs,
			Moderation: b.mod,
			Profiles: chat.NewProfileCache(b.profiles,
				chat.WithCapacity(cfg.ProfileCacheCapacity),
				chat.WithTTL(cfg.ProfileCacheTTL, cfg.ProfileCacheNegativeTTL),
				chat.WithCacheLogger(logger),
			),
			Logger: logger,
		},
		Room: chat.Config{
			PageSize:      cfg.PageSize,
			PageIncrement: cfg.PageIncrement,
		},
		Files:          b.blobs.Handler(),
		OriginPatterns: cfg.OriginPatterns,
		SessionTTL:     cfg.PresenceTTL,
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.HTTPAddr, "memory", serveOpts.memory)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	a.Shutdown(shutdownCtx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func memoryBackend(filesURL string, users []string) (*backend, error) {
	store := memstore.New()
	for _, s := range users {
		uid, email, ok := strings.Cut(s, "=")
		if !ok || uid == "" || email == "" {
			return nil, fmt.Errorf("invalid --seed-user %q, want uid=email", s)
		}
		store.PutUser(chat.User{UID: uid, Email: email, EmailVerified: true})
	}
	return &backend{
		db:       store,
		messages: store,
		profiles: store,
		presence: store,
		mod:      store,
		blobs:    blob.New(afero.NewMemMapFs(), filesURL),
		close:    func() {},
	}, nil
}

func storeBackend(ctx context.Context, cfg *config.Config, filesURL string, logger *slog.Logger) (*backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	blobs, err := blob.NewDir(cfg.BlobDir, filesURL)
	if err != nil {
		return nil, err
	}
	pg, err := postgres.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	rdb, err := redis.Connect(ctx, cfg.RedisAddr,
		redis.WithLeaseTTL(cfg.PresenceTTL),
		redis.WithLogger(logger),
	)
	if err != nil {
		pg.Close()
		return nil, err
	}
	return &backend{
		db:       pg,
		messages: pg,
		profiles: pg,
		presence: rdb,
		mod:      pg,
		blobs:    blobs,
		close: func() {
			if err := errors.Join(rdb.Close(), pg.Close()); err != nil {
				logger.Error("Could not close stores", "error", err.Error())
			}
		},
	}, nil
}
