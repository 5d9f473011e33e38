package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/api"
	"github.com/zlnvch/studysync/bus/redis"
	"github.com/zlnvch/studysync/config"
	"github.com/zlnvch/studysync/mq/sqsmq"
	"github.com/zlnvch/studysync/store/dynamo"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.DevMode {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	sessionStore, err := dynamo.NewDynamoSessionStore(ctx, cfg.DevMode, cfg.DynamoDBEndpoint, cfg.DynamoDBTable)
	if err != nil {
		logrus.Fatalf("Failed to create dynamodb store: %v", err)
	}

	teardownQueue, err := sqsmq.NewSQSMessageQueue(ctx, cfg.DevMode, cfg.SQSEndpoint, cfg.SQSTeardownQueue)
	if err != nil {
		logrus.Fatalf("Failed to create SQS MQ: %v", err)
	}

	var backend api.BusBackend
	switch cfg.BusBackend {
	case config.BusMemory:
		logrus.Warn("Using the in-process session bus; sessions are not shared between instances")
		backend = api.NewMemoryBackend(cfg.LeaseTimeout)
	default:
		redisBus, err := redis.NewRedisSessionBus(ctx, cfg.DevMode, cfg.RedisEndpoint, cfg.LeaseTimeout)
		if err != nil {
			logrus.Fatalf("Failed to create redis session bus: %v", err)
		}
		backend = api.NewRedisBackend(redisBus)
	}
	defer backend.Close()

	shutdownCtx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	studySyncAPI, err := api.NewStudySyncAPI(sessionStore, teardownQueue, backend, cfg, shutdownCtx)
	if err != nil {
		logrus.Fatalf("Failed to create studysync api: %v", err)
	}
	defer studySyncAPI.Close()

	mux := http.NewServeMux()
	studySyncAPI.RegisterRoutes(mux, cfg.AllowedOrigin)

	server := &http.Server{Addr: ":" + cfg.HostPort, Handler: mux}
	go func() {
		<-shutdownCtx.Done()
		logrus.Info("Server shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	logrus.Infof("Starting server on host port: %s", cfg.HostPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.Fatalf("Server failed: %v", err)
	}
}
