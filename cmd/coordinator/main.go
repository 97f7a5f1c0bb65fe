package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bookline/realtime/internal/coordinator"
	"github.com/bookline/realtime/internal/messaging"
	"github.com/bookline/realtime/internal/ratelimit"
	"github.com/bookline/realtime/internal/session"
	"github.com/bookline/realtime/internal/store"
	"github.com/bookline/realtime/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	coordConfig := coordinator.DefaultConfig()
	if v := os.Getenv("PRESENCE_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			coordConfig.PresenceGrace = d
		}
	}
	if v := os.Getenv("TYPING_CEILING"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			coordConfig.TypingCeiling = d
		}
	}
	if v := os.Getenv("HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			coordConfig.HistoryLimit = n
		}
	}

	// --- MongoDB ---
	mongoConfig := store.DefaultMongoConfig()
	if v := os.Getenv("MONGO_URI"); v != "" {
		mongoConfig.URI = v
	}
	if v := os.Getenv("MONGO_DB"); v != "" {
		mongoConfig.Database = v
	}

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 15*time.Second)
	mongoStore, err := store.NewMongoStore(connectCtx, mongoConfig)
	cancelConnect()
	if err != nil {
		log.Fatalf("failed to connect to MongoDB: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "rt-1"
	}

	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- NATS (optional: single-instance deployments run without it) ---
	var relay *messaging.Relay
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = natsURL
		relay, err = messaging.NewRelay(natsConfig, serverName)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	log.Printf("Bookline realtime coordinator starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  presence_grace:  %s", coordConfig.PresenceGrace)
	log.Printf("  typing_ceiling:  %s", coordConfig.TypingCeiling)
	log.Printf("  history_limit:   %d", coordConfig.HistoryLimit)
	log.Printf("  mongo_uri:       %s", mongoConfig.URI)
	log.Printf("  mongo_db:        %s", mongoConfig.Database)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)
	if relay != nil {
		log.Printf("  nats_url:        %s", os.Getenv("NATS_URL"))
	} else {
		log.Printf("  nats_url:        (disabled)")
	}

	coord := coordinator.New(coordConfig, mongoStore, sessionStore, limiter, relay)

	dispatcher := ws.NewMessageDispatcher(nil)
	coord.RegisterHandlers(dispatcher)

	server := ws.NewServer(config, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	coord.SetServer(server)

	runCtx, cancelRun := context.WithCancel(context.Background())
	coord.Start(runCtx)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		cancelRun()
		if relay != nil {
			relay.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
		if err := mongoStore.Close(closeCtx); err != nil {
			log.Printf("mongo close error: %v", err)
		}
		cancelClose()
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
