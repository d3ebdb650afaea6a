// ledgerd is the settlement ledger daemon: it wires the payment store,
// the asset ledger, the cashback distributor and the HTTP gateway, and
// campaigns for leadership so only one instance mutates the ledger.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/cardledger/internal/assetledger"
	"github.com/terminal-bench/cardledger/internal/cashback"
	"github.com/terminal-bench/cardledger/internal/engine"
	"github.com/terminal-bench/cardledger/internal/gateway"
	"github.com/terminal-bench/cardledger/internal/payments"
	"github.com/terminal-bench/cardledger/internal/settlement"
	"github.com/terminal-bench/cardledger/internal/telemetry"
	"github.com/terminal-bench/cardledger/pkg/messaging"
)

type config struct {
	Port        string
	DatabaseURL string
	NATSUrl     string
	RedisURL    string
	CacheTTL    time.Duration

	EtcdEndpoints []string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	JWTSecret          string
	SelfAccount        uuid.UUID
	CashOutAccount     uuid.UUID
	DistributorAccount uuid.UUID

	RevocationLimit uint16
	CashbackRate    uint16
	CashbackEnabled bool
}

func loadConfig(log *zap.Logger) config {
	cfg := config{
		Port:            getEnv("PORT", "8080"),
		DatabaseURL:     getEnv("DATABASE_URL", "postgres://localhost/cardledger?sslmode=disable"),
		NATSUrl:         getEnv("NATS_URL", "nats://localhost:4222"),
		RedisURL:        os.Getenv("REDIS_URL"),
		CacheTTL:        time.Minute,
		InfluxURL:       os.Getenv("INFLUX_URL"),
		InfluxToken:     os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:       getEnv("INFLUX_ORG", "cardledger"),
		InfluxBucket:    getEnv("INFLUX_BUCKET", "operations"),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		RevocationLimit: uint16(getEnvInt("REVOCATION_LIMIT", 1, log)),
		CashbackRate:    uint16(getEnvInt("CASHBACK_RATE", 0, log)),
		CashbackEnabled: os.Getenv("CASHBACK_ENABLED") == "true",
	}
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	if endpoints := os.Getenv("ETCD_ENDPOINTS"); endpoints != "" {
		cfg.EtcdEndpoints = strings.Split(endpoints, ",")
	}

	cfg.SelfAccount = mustAccount("SELF_ACCOUNT", log)
	cfg.CashOutAccount = mustAccount("CASH_OUT_ACCOUNT", log)
	if raw := os.Getenv("DISTRIBUTOR_ACCOUNT"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			log.Fatal("invalid DISTRIBUTOR_ACCOUNT", zap.Error(err))
		}
		cfg.DistributorAccount = id
	}
	return cfg
}

func mustAccount(key string, log *zap.Logger) uuid.UUID {
	id, err := uuid.Parse(os.Getenv(key))
	if err != nil {
		log.Fatal("invalid account in environment", zap.String("key", key), zap.Error(err))
	}
	return id
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int, log *zap.Logger) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Fatal("invalid integer in environment", zap.String("key", key), zap.Error(err))
	}
	return v
}

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := loadConfig(log)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal("failed to ping database", zap.Error(err))
	}

	var store payments.Store = payments.NewPostgresStore(db)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		store = payments.NewCachedStore(store, rdb, cfg.CacheTTL)
	}

	msg, err := messaging.NewClient(cfg.NATSUrl, messaging.ClientOptions{
		Name:           "ledgerd",
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer msg.Close()

	ledger := assetledger.NewLedger(db, cfg.SelfAccount)
	settle := settlement.NewOrchestrator(ledger, cfg.SelfAccount, cfg.CashOutAccount, log)
	if cfg.DistributorAccount != uuid.Nil {
		if err := settle.ApproveDistributor(ctx, cfg.DistributorAccount); err != nil {
			log.Fatal("failed to approve distributor", zap.Error(err))
		}
	}

	dist := cashback.NewClient(msg, cashback.ClientConfig{}, log)

	eng := engine.New(store, dist, settle, msg, log, engine.Config{
		RevocationLimit: cfg.RevocationLimit,
		CashbackRate:    cfg.CashbackRate,
		CashbackEnabled: cfg.CashbackEnabled,
	})

	if cfg.InfluxURL != "" {
		recorder := telemetry.NewRecorder(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		defer recorder.Close()
		eng.SetRecorder(recorder)
	}

	// With etcd configured, wait for leadership before serving: the
	// engine serializes writers in process, etcd serializes instances.
	var session *concurrency.Session
	if len(cfg.EtcdEndpoints) > 0 {
		etcd, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatal("failed to connect to etcd", zap.Error(err))
		}
		defer etcd.Close()

		session, err = concurrency.NewSession(etcd, concurrency.WithTTL(15))
		if err != nil {
			log.Fatal("failed to create etcd session", zap.Error(err))
		}
		defer session.Close()

		hostname, _ := os.Hostname()
		election := concurrency.NewElection(session, "/cardledger/leader")
		log.Info("campaigning for leadership")
		if err := election.Campaign(ctx, hostname); err != nil {
			log.Fatal("leadership campaign failed", zap.Error(err))
		}
		log.Info("acquired leadership", zap.String("instance", hostname))
	}

	gw := gateway.NewGateway(gateway.Config{
		JWTSecret:    []byte(cfg.JWTSecret),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}, eng, msg, log)
	if err := gw.SubscribeEvents(); err != nil {
		log.Fatal("failed to subscribe event feed", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      gw.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("ledgerd listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		select {
		case <-groupCtx.Done():
		case <-sessionDone(session):
			log.Warn("etcd session lost, stepping down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("ledgerd stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("ledgerd stopped")
}

func sessionDone(session *concurrency.Session) <-chan struct{} {
	if session == nil {
		return nil
	}
	return session.Done()
}
