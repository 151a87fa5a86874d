package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/pyr33x/goqtt/internal/archive"
	"github.com/pyr33x/goqtt/internal/auth"
	"github.com/pyr33x/goqtt/internal/broker"
	"github.com/pyr33x/goqtt/internal/bus"
	"github.com/pyr33x/goqtt/internal/logger"
	"github.com/pyr33x/goqtt/internal/retained"
	"github.com/pyr33x/goqtt/internal/session"
	"github.com/pyr33x/goqtt/internal/transport"
)

type Config struct {
	Name    string        `yaml:"name"`
	Version string        `yaml:"version"`
	NodeID  string        `yaml:"node_id"`
	Server  Server        `yaml:"server"`
	Cluster Cluster       `yaml:"cluster"`
	Archive ArchiveConfig `yaml:"archive"`
	Log     LogConfig     `yaml:"log"`
}

type Server struct {
	Port              string `yaml:"port"`
	MaxConnections    int    `yaml:"max_connections"`
	OfflineQueueLimit int    `yaml:"offline_queue_limit"`
}

// Cluster configures the Message Bus and the Redis-backed cluster lock. A
// Bus of "local" runs single-node with no cluster fan-out.
type Cluster struct {
	Bus       string `yaml:"bus"` // "local" or a nats:// URL
	RedisAddr string `yaml:"redis_addr"`
	Leader    bool   `yaml:"leader"`
}

type ArchiveConfig struct {
	Groups []ArchiveGroup `yaml:"groups"`
}

type ArchiveGroup struct {
	Name          string `yaml:"name"`
	TopicFilters  []string `yaml:"topic_filters"`
	RetainedOnly  bool   `yaml:"retained_only"`
	UseLastVal    bool   `yaml:"use_last_val"`
	UseArchive    bool   `yaml:"use_archive"`
	PayloadFormat string `yaml:"payload_format"`
	RetentionDays int    `yaml:"retention_days"`
	PurgeHours    int    `yaml:"purge_hours"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func gracefulShutdown(tcpServer *transport.TCPServer, b *broker.Broker, cancel context.CancelFunc, done chan struct{}) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Println("Graceful shutdown has triggered...")

	defer cancel()
	if err := tcpServer.Stop(); err != nil {
		log.Println(err)
	}
	if err := b.Close(); err != nil {
		log.Println(err)
	}
	time.Sleep(1 * time.Second)

	close(done)
}

func main() {
	done := make(chan struct{}, 1)
	var cfg Config

	rawConfig, err := os.ReadFile("config.yml")
	if err != nil {
		log.Panicln("failed to read config from yaml file")
		return
	}

	if err := yaml.Unmarshal(rawConfig, &cfg); err != nil {
		log.Panicf("Failed to unmarshal yaml config: %v\n", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "standalone"
	}

	mqttLog := logger.NewMQTTLogger("broker")

	sessionDB, err := sql.Open("sqlite3", "./store/sessions.db")
	if err != nil {
		log.Panicf("Failed to open session store: %v", err)
	}
	retainedDB, err := sql.Open("sqlite3", "./store/retained.db")
	if err != nil {
		log.Panicf("Failed to open retained store: %v", err)
	}
	authDB, err := sql.Open("sqlite3", "./store/auth.db")
	if err != nil {
		log.Panicf("Failed to open auth store: %v", err)
	}

	sessionStore, err := session.NewSQLiteStore(sessionDB, cfg.Server.OfflineQueueLimit)
	if err != nil {
		log.Panicf("Failed to initialize session store: %v", err)
	}
	retainedStore, err := retained.NewSQLiteStore(retainedDB)
	if err != nil {
		log.Panicf("Failed to initialize retained store: %v", err)
	}
	authStore, err := auth.NewStore(authDB)
	if err != nil {
		log.Panicf("Failed to initialize auth store: %v", err)
	}

	var messageBus bus.Bus
	if cfg.Cluster.Bus == "" || cfg.Cluster.Bus == "local" {
		messageBus = bus.NewLocal()
	} else {
		natsBus, err := bus.DialNATS(cfg.Cluster.Bus)
		if err != nil {
			log.Panicf("Failed to dial cluster bus: %v", err)
		}
		messageBus = natsBus
	}

	archivePipe := buildArchivePipeline(cfg)

	brokerInstance := broker.New(broker.Config{
		NodeID:   cfg.NodeID,
		Retained: retainedStore,
		Sessions: sessionStore,
		Bus:      messageBus,
		Archive:  archivePipe,
		Auth:     authStore,
		Log:      mqttLog,
	})

	if archivePipe != nil {
		purgeCtx, purgeCancel := context.WithCancel(context.Background())
		defer purgeCancel()
		archivePipe.StartPurgeLoops(purgeCtx)
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := transport.New(cfg.Server.Port, brokerInstance, cfg.Server.MaxConnections, cfg.Server.OfflineQueueLimit)

	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()
	log.Printf("Server started listening at %s\n", cfg.Server.Port)

	go gracefulShutdown(srv, brokerInstance, cancel, done)

	<-done
	log.Println("Graceful shutdown complete.")
}

// buildArchivePipeline wires the archive groups declared in config.yml to a
// Redis-backed last-value store, a SQLite historical store and a Redis
// cluster lock for leader-gated purges. Returns nil when no groups are
// configured, so the broker runs with archiving disabled.
func buildArchivePipeline(cfg Config) *archive.Pipeline {
	if len(cfg.Archive.Groups) == 0 {
		return nil
	}

	groups := make([]archive.Group, 0, len(cfg.Archive.Groups))
	for _, g := range cfg.Archive.Groups {
		groups = append(groups, archive.Group{
			Name:          g.Name,
			TopicFilters:  g.TopicFilters,
			RetainedOnly:  g.RetainedOnly,
			UseLastVal:    g.UseLastVal,
			UseArchive:    g.UseArchive,
			PayloadFormat: g.PayloadFormat,
			Retention:     time.Duration(g.RetentionDays) * 24 * time.Hour,
			PurgeInterval: time.Duration(g.PurgeHours) * time.Hour,
		})
	}

	archiveDB, err := sql.Open("sqlite3", "./store/archive.db")
	if err != nil {
		log.Panicf("Failed to open archive store: %v", err)
	}
	historicalStore, err := archive.NewSQLiteArchive(archiveDB)
	if err != nil {
		log.Panicf("Failed to initialize archive store: %v", err)
	}

	redisAddr := cfg.Cluster.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})

	lastVal := archive.NewRedisLastVal(redisClient)
	locker := archive.NewRedisLocker(redisClient)
	isLeader := func() bool { return cfg.Cluster.Leader }

	return archive.NewPipeline(groups, lastVal, historicalStore, locker, isLeader)
}
