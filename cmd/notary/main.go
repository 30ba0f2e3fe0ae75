package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/layer-3/notary/adapters/events"
	"github.com/layer-3/notary/adapters/ratelimit"
	"github.com/layer-3/notary/adapters/store"
	"github.com/layer-3/notary/adapters/tokenizer"
	"github.com/layer-3/notary/internal/config"
	"github.com/layer-3/notary/internal/logger"
	"github.com/layer-3/notary/ports"
	"github.com/layer-3/notary/service"
	transport "github.com/layer-3/notary/transport/http"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Options{Level: cfg.LogLevel, Pretty: cfg.IsDevelopment()})
	if err := run(ctx, cfg); err != nil {
		log := logger.Get()
		log.Fatal().Err(err).Msg("notary stopped")
	}
}

// stores is the persistence wiring picked by configuration
type stores struct {
	nonces     ports.NonceStore
	identities ports.IdentityStore
	documents  ports.DocumentStore
	tokens     ports.TokenStore
	checks     map[string]transport.HealthCheck
	closers    []func(context.Context) error
}

func (s *stores) close(ctx context.Context, log zerolog.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.Get()
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	var redisClient *redis.Client
	if cfg.Store.NonceDriver == config.DriverRedis || cfg.Events.Driver == config.EventsRedis {
		opts, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	st, err := openStores(ctx, cfg, redisClient, log)
	if err != nil {
		return err
	}
	defer st.close(context.Background(), log)

	var limiter ports.RateLimiter
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.Limits.Limit, cfg.Limits.Window)
	} else {
		memLimiter := ratelimit.NewMemoryLimiter(cfg.Limits.Limit, cfg.Limits.Window)
		defer memLimiter.Close()
		limiter = memLimiter
	}

	eventPub, err := openPublisher(cfg, redisClient, log)
	if err != nil {
		return err
	}

	key, err := tokenizer.LoadSigningKey(cfg.Session.SigningKey)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}
	if cfg.Session.SigningKey == "" {
		log.Warn().Msg("SESSION_SIGNING_KEY not set, sessions will not survive a restart")
	}
	sessions := tokenizer.NewJWTTokenizer(key, cfg.Session.Issuer, cfg.Session.TTL)
	verifier := service.NewSignatureVerifier(cfg.Auth.Domain, cfg.Auth.AllowedChainIDs)

	authService := service.NewAuthService(st.nonces, st.identities, sessions, st.tokens, verifier, eventPub, log, service.AuthOptions{
		Domain:       cfg.Auth.Domain,
		URI:          cfg.Auth.URI,
		ChainID:      cfg.Auth.AllowedChainIDs[0],
		Statement:    "Sign in to the notary registry",
		NonceTTL:     cfg.Auth.NonceTTL,
		StoreTimeout: cfg.Store.Timeout,
	})
	docService := service.NewDocumentService(st.documents, eventPub, log, cfg.Store.Timeout)

	sweeper := service.NewNonceSweeper(st.nonces, cfg.Auth.NonceSweepInterval, cfg.Store.Timeout, log)
	go sweeper.Run(ctx)

	router := transport.SetupRouter(transport.RouterOptions{
		Auth:      authService,
		Documents: docService,
		Limiter:   limiter,
		Logger:    log,
		Checks:    st.checks,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.Store.Driver).Msg("notary listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	authService.Wait()
	if err := eventPub.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close publisher")
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, redisClient *redis.Client, log zerolog.Logger) (*stores, error) {
	st := &stores{checks: map[string]transport.HealthCheck{}}

	switch cfg.Store.Driver {
	case config.DriverMemory:
		mem := store.NewMemoryStore()
		st.nonces, st.identities, st.documents, st.tokens = mem, mem, mem, mem

	case config.DriverSQLite:
		db, err := store.NewSQLiteStore(cfg.Store.SQLitePath, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		st.nonces, st.identities, st.documents, st.tokens = db, db, db, db
		st.checks["sqlite"] = db.Ping
		st.closers = append(st.closers, func(context.Context) error { return db.Close() })

	case config.DriverMongo:
		client, db, err := store.ConnectMongo(ctx, store.MongoConfig{
			URI:      cfg.Store.MongoURI,
			Database: cfg.Store.MongoDB,
			Timeout:  10 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		mongoStore := store.NewMongoStore(db)
		if err := mongoStore.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("failed to create mongo indexes: %w", err)
		}
		st.identities, st.documents = mongoStore, mongoStore
		st.checks["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }
		st.closers = append(st.closers, client.Disconnect)
	}

	if cfg.Store.NonceDriver == config.DriverRedis {
		st.nonces = store.NewRedisNonceStore(redisClient)
		st.tokens = store.NewRedisTokenStore(redisClient)
	}
	if redisClient != nil {
		st.checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	return st, nil
}

// closablePublisher is an event publisher the process shuts down on exit
type closablePublisher interface {
	ports.EventPublisher
	Close() error
}

func openPublisher(cfg *config.Config, redisClient *redis.Client, log zerolog.Logger) (closablePublisher, error) {
	wmLogger := events.NewZerologAdapter(log)

	switch cfg.Events.Driver {
	case config.EventsGoChannel:
		return events.NewWatermillPublisher(gochannel.NewGoChannel(gochannel.Config{}, wmLogger)), nil
	case config.EventsRedis:
		publisher, err := redisstream.NewPublisher(
			redisstream.PublisherConfig{
				Client: redisClient,
			},
			wmLogger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis publisher: %w", err)
		}
		return events.NewWatermillPublisher(publisher), nil
	default:
		return events.NopPublisher{}, nil
	}
}
