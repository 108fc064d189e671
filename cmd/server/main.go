package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Tether/internal/adapters/auth"
	"github.com/dkeye/Tether/internal/adapters/broker"
	router "github.com/dkeye/Tether/internal/adapters/http"
	"github.com/dkeye/Tether/internal/adapters/store/memory"
	"github.com/dkeye/Tether/internal/adapters/store/postgres"
	"github.com/dkeye/Tether/internal/app"
	"github.com/dkeye/Tether/internal/app/orch"
	"github.com/dkeye/Tether/internal/app/sfu"
	"github.com/dkeye/Tether/internal/config"
	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
	"github.com/dkeye/Tether/internal/metrics"
)

type stores struct {
	conversations core.ConversationStore
	profiles      core.ProfileStore
	oracle        core.RelationshipOracle
	close         func()
}

func openStores(ctx context.Context, cfg config.StoreConfig) (*stores, error) {
	if cfg.Driver == "postgres" {
		db, err := postgres.NewDatabase(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := db.AutoMigrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return &stores{
			conversations: postgres.NewConversations(db),
			profiles:      postgres.NewProfiles(db),
			oracle:        postgres.NewRelationships(db),
			close:         db.Close,
		}, nil
	}

	rels := memory.NewRelationships()
	for _, pair := range cfg.SeedPairs {
		a, b, ok := strings.Cut(pair, ":")
		ua, errA := domain.ParseUserID(a)
		ub, errB := domain.ParseUserID(b)
		if !ok || errA != nil || errB != nil {
			return nil, fmt.Errorf("bad seed pair %q", pair)
		}
		rels.Accept(ua, ub)
	}
	log.Warn().Str("module", "main").Int("seed_pairs", len(cfg.SeedPairs)).Msg("using in-memory stores, nothing survives a restart")
	return &stores{
		conversations: memory.NewConversations(),
		profiles:      memory.NewProfiles(),
		oracle:        rels,
		close:         func() {},
	}, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	st, err := openStores(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open stores")
	}
	defer st.close()

	provider, err := auth.NewProvider(cfg.Auth.Secrets, cfg.Auth.CookieName, m)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build identity provider")
	}

	worker, err := sfu.NewWorker(sfu.Options{
		MinPort:       cfg.Media.RTCMinPort,
		MaxPort:       cfg.Media.RTCMaxPort,
		AnnouncedIP:   cfg.Media.AnnouncedIP,
		ICEServers:    cfg.Media.ICEServers,
		GatherTimeout: cfg.Media.GatherTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start media worker")
	}

	reg := app.NewRegistry()
	rooms := app.NewRoomIndex()
	hub := app.NewHub(reg, rooms, app.SimplePolicy{}, m)

	var (
		bcast    core.Broadcaster = hub
		announce core.Announcer   = hub
		relay    *broker.Relay
		counter  core.PresenceCounter
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		relay = broker.NewRelay(hub, client, cfg.Redis.Channel)
		bcast, announce = relay, relay
		counter = broker.NewCounter(client, cfg.Redis.PresencePrefix)
		log.Info().Str("module", "main").Str("addr", cfg.Redis.Addr).Str("channel", cfg.Redis.Channel).Msg("redis fan-out enabled")
	}

	limiter := app.NewRateLimiter(cfg.RateLimit.MaxMessages, cfg.RateLimit.Window, cfg.RateLimit.Grace, m)
	presence := app.NewPresenceTracker(reg, st.profiles, announce, m, cfg.Store.Timeout)
	if counter != nil {
		presence.WithCounter(counter)
	}
	calls := app.NewCalls(st.oracle, bcast, m, cfg.Call.RingTimeout, cfg.Store.Timeout)

	o := &orch.Orchestrator{
		Registry: reg,
		Rooms:    rooms,
		Presence: presence,
		Messaging: app.NewMessaging(app.MessagingDeps{
			Store:    st.conversations,
			Oracle:   st.oracle,
			Limiter:  limiter,
			Registry: reg,
			Rooms:    rooms,
			Presence: presence,
			Bcast:    bcast,
			Metrics:  m,
		}, app.MessagingOptions{MaxTextLen: cfg.Messaging.MaxTextLen, StoreTimeout: cfg.Store.Timeout}),
		Media: app.NewMedia(worker, rooms, bcast, m),
		Calls: calls,
	}

	r := router.SetupRouter(ctx, cfg, router.Deps{Orch: o, Auth: provider, Worker: worker, Gatherer: promReg})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Tether server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return limiter.Run(gctx, cfg.RateLimit.SweepInterval)
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		calls.Close()
		if err := worker.Close(); err != nil {
			log.Error().Err(err).Msg("media worker close")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server stopped with error")
	}
	log.Info().Msg("Server exited gracefully")
}
