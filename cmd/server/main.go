package main

import (
	"chat-relay/auth"
	"chat-relay/broker"
	"chat-relay/contract"
	"chat-relay/delivery"
	"chat-relay/domain"
	"chat-relay/history"
	"chat-relay/moderation"
	"chat-relay/observability"
	"chat-relay/presence"
	"chat-relay/repositories"
	"chat-relay/repositories/postgres"
	"chat-relay/runtime"
	"chat-relay/runtime/workers"
	"chat-relay/services"
	"chat-relay/session"
	"chat-relay/transport"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const shutdownTimeout = 10 * time.Second

type store interface {
	contract.MessageStore
	contract.ConversationStore
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component, serves until a signal arrives and releases
// resources in reverse order. Deferred cleanups run before main exits.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	log := logs.GetLoggerFromString(config.LogLevel).With("instance_id", config.InstanceID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Durable store
	st, closeStore, err := openStore(ctx, log, config)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Broker
	b, err := openBroker(log, config)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	// 4. Core components
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)
	health := transport.NewHealthServer()

	registry := runtime.NewRegistry(log, runtime.NewMembershipCache(st, config.MembershipCacheSize, config.MembershipCacheTTL))
	adapter := broker.NewAdapter(log, b, registry, config.InstanceID,
		broker.WithBackoff(config.BrokerBackoffInitial, config.BrokerBackoffMax),
		broker.OnStateChange(func(connected bool) {
			metrics.BrokerState(connected)
			health.SetBroker(connected)
		}),
		broker.OnPublishError(metrics.BrokerPublishFailure))
	fanout := broker.NewFanout(registry, adapter)

	trackerOpts := []delivery.Option{
		delivery.WithMetrics(metrics),
		delivery.WithPersistTimeout(config.PersistTimeout),
	}
	words := config.Words()
	if config.CensoredWordsDir != "" {
		list, err := moderation.LoadWords(os.DirFS(config.CensoredWordsDir), ".")
		if err != nil {
			return fmt.Errorf("censored words loading failed: %w", err)
		}
		log.Info("Censored words loaded", "count", len(list.Words), "languages", list.Languages)
		words = append(words, list.Words...)
	}
	if len(words) > 0 {
		moderator, err := moderation.NewModerator(words, config.Replacement(), log)
		if err != nil {
			return fmt.Errorf("moderation setup failed: %w", err)
		}
		trackerOpts = append(trackerOpts, delivery.WithCensor(moderator))
	}
	tracker := delivery.NewTracker(log, st, st, fanout, trackerOpts...)
	aggregator := presence.NewAggregator(log, fanout, config.TypingTTL, config.PresenceGrace,
		presence.WithPeers(fanout, config.PresenceGrace/2))
	adapter.HandlePresence(func(instanceID string, userID domain.UserID, online bool) {
		aggregator.PeerPresence(context.WithoutCancel(ctx), instanceID, userID, online)
	})
	service := services.NewChatService(log, registry, tracker,
		history.NewReader(st, config.HistoryPageSize, config.HistoryMaxPage), aggregator)

	// 5. Background workers
	sup := workers.NewSupervisor(log, config.RestartInterval).
		OnRestart(metrics.WorkerRestarted).
		Add(adapter, aggregator,
			workers.NewHeartbeatWorker(log, config.MetricInterval, metrics),
			workers.NewCapacityWorker(log, metrics, config.MetricInterval,
				workers.Reading{Name: "rooms", Read: registry.Rooms},
				workers.Reading{Name: "pending_keys", Read: registry.Pending},
				workers.Reading{Name: "cached_conversations", Read: registry.CachedConversations}))
	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		// Workers outlive the signal so sessions can still fan out while closing
		sup.Run(context.WithoutCancel(ctx))
	}()

	if config.ConversationsFile != "" {
		if err := seed(ctx, log, st, fanout, config.ConversationsFile); err != nil {
			return err
		}
	}

	// 6. Servers
	ws := transport.NewWebSocketHandler(log, auth.NewVerifier(config.JWTSecret, config.JWTIssuer), service,
		session.NewParser(config.MaxBodyLength),
		transport.WebSocketConfig{
			WriteTimeout: config.WriteTimeout,
			PingInterval: config.PingInterval,
			MaxFrameSize: int64(config.MaxBodyLength) * 8,
			Session: session.Config{
				BufferSize:      config.ConnectionBufferSize,
				MalformedLimit:  config.MalformedFrameLimit,
				MalformedWindow: config.MalformedFrameWindow,
			},
		}, metrics)
	httpServer := &http.Server{
		Addr:              net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		Handler:           transport.NewMux(ws, reg, config.InstanceID, adapter.Connected),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcAddress := net.JoinHostPort(config.Host, fmt.Sprint(config.GRPCPort))
	listener, err := net.Listen("tcp", grpcAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", grpcAddress, err)
	}
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Starting HTTP server", "address", httpServer.Addr, "at", time.Now().UTC())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("Starting gRPC health server", "address", grpcAddress)
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")
		health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := ws.Shutdown(shutdownCtx); err != nil {
			log.Warn("Sessions did not close in time", "error", err)
		}
		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})
	err = g.Wait()

	// 7. Final Cleanup
	tracker.Wait()
	registry.Drain()
	sup.Stop()
	<-supDone
	log.Info("Program stopped cleanly")
	return err
}

func openStore(ctx context.Context, log *slog.Logger, config Config) (store, func(), error) {
	switch config.StoreDriver {
	case "postgres":
		if err := postgres.RunMigrations(log, config.DatabaseURL); err != nil {
			return nil, nil, err
		}
		pool, err := postgres.NewPool(ctx, config.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewStore(pool), pool.Close, nil
	case "badger", "":
		db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).WithLoggingLevel(badger.WARNING))
		if err != nil {
			return nil, nil, fmt.Errorf("database opening failed: %w", err)
		}
		return repositories.NewBadgerStore(db, log), func() {
			log.Info("Closing BadgerDB...")
			_ = db.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", config.StoreDriver)
	}
}

func openBroker(log *slog.Logger, config Config) (broker.Broker, error) {
	switch config.BrokerDriver {
	case "redis":
		return broker.NewRedis(log, config.RedisURL, config.BrokerPrefix)
	case "nats":
		return broker.NewNATS(log, config.NATSURL, config.BrokerPrefix, "chat-relay-"+config.InstanceID)
	case "memory", "":
		log.Warn("Using the in-process broker, messages stay on this instance")
		return broker.NewMemory(broker.NewHub()), nil
	default:
		return nil, fmt.Errorf("unknown BROKER_DRIVER %q", config.BrokerDriver)
	}
}

// seed loads the conversation fixtures and tells the other instances to
// drop their cached copies.
func seed(ctx context.Context, log *slog.Logger, st contract.ConversationStore, fanout *broker.Fanout, path string) error {
	conversations, err := repositories.LoadConversations(path)
	if err != nil {
		return err
	}
	if err := repositories.SeedConversations(ctx, st, conversations); err != nil {
		return err
	}
	for _, c := range conversations {
		fanout.MembershipChanged(ctx, c.ID)
	}
	log.Info("Conversations seeded", "count", len(conversations), "file", path)
	return nil
}
