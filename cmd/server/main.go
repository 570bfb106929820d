package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pos-terminal/config"
	"pos-terminal/internal/api"
	"pos-terminal/internal/broker"
	"pos-terminal/internal/gateway"
	"pos-terminal/internal/models"
	"pos-terminal/internal/recon"
	"pos-terminal/internal/redisclient"
	"pos-terminal/internal/shift"
	"pos-terminal/internal/store"
	"pos-terminal/internal/terminal"
	"pos-terminal/internal/transport"
	"pos-terminal/internal/util"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting POS terminal core")

	tp, err := util.InitTracer("pos-terminal", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	// Duplicate suppression survives a restart when Redis is reachable;
	// a terminal running offline falls back to the in-process set.
	var keys recon.KeyStore
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Business.IdempotencyTTL)
	if err != nil {
		log.Printf("Redis unavailable, using in-memory idempotency keys: %v", err)
		keys = recon.NewMemoryKeyStore(cfg.Business.IdempotencyTTL)
	} else {
		defer redisClient.Close()
		keys = redisClient
		log.Println("Redis connected")
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	eventPublisher := broker.NewEventPublisher(producer)
	log.Println("Kafka producer initialized")

	gw := gateway.NewClient(gateway.Config{
		BaseURL:        cfg.Gateway.BaseURL,
		ConsumerKey:    cfg.Gateway.ConsumerKey,
		ConsumerSecret: cfg.Gateway.ConsumerSecret,
		Passkey:        cfg.Gateway.Passkey,
		Shortcode:      cfg.Gateway.Shortcode,
		CallbackURL:    cfg.Gateway.CallbackURL,
		VerifyURL:      cfg.Gateway.VerifyURL,
	})

	engine := recon.NewEngine(keys, recon.Options{
		MatchTolerance: cfg.Business.MatchTolerance,
		OrphanLimit:    cfg.Business.OrphanLimit,
		Archiver:       db,
	})
	shifts := shift.NewManager(db)

	// The poller feeds synthesized confirmations back through the same
	// path as live transport events, so both dedup on one key.
	var term *terminal.Terminal
	poller := recon.NewPoller(gw, func(ev models.PaymentEvent) {
		term.HandlePaymentEvent(ev)
	}, cfg.Gateway.PollInterval)

	term = terminal.New(terminal.Deps{
		Engine:    engine,
		Shifts:    shifts,
		Gateway:   gw,
		Poller:    poller,
		Persister: db,
		Credit:    db,
		Publisher: eventPublisher,
		Debounce:  cfg.Business.FinalizeDebounce,
	})

	tr := transport.New(transport.Config{
		URL:               cfg.Transport.URL,
		BackoffBase:       cfg.Transport.BackoffBase,
		BackoffMax:        cfg.Transport.BackoffMax,
		MaxAttempts:       cfg.Transport.MaxAttempts,
		HeartbeatInterval: cfg.Transport.HeartbeatInterval,
	})
	unsubscribe := tr.Subscribe(transport.SubscribeAll, term.HandlePaymentEvent)
	defer unsubscribe()
	tr.Connect()
	defer tr.Disconnect("shutdown")

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(term, tr, gw)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
