package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/zlnvch/studysync/api/rest"
	"github.com/zlnvch/studysync/api/ws"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/config"
	"github.com/zlnvch/studysync/media/pion"
	"github.com/zlnvch/studysync/mq"
	"github.com/zlnvch/studysync/service"
	"github.com/zlnvch/studysync/session"
	"github.com/zlnvch/studysync/signaling"
	"github.com/zlnvch/studysync/store"
	"github.com/zlnvch/studysync/worker"
)

type StudySyncAPI struct {
	restHandler *rest.Handler
	wsHandler   *ws.Handler
	hub         *ws.Hub
	serverBus   bus.Bus
	shutdownCtx context.Context
}

func NewStudySyncAPI(
	sessionStore store.SessionStore,
	teardownQueue mq.MessageQueue,
	backend BusBackend,
	cfg config.Config,
	shutdownCtx context.Context,
) (*StudySyncAPI, error) {
	// The gateway's own connection, used for teardown and canvas rendering
	serverBus, err := backend.Connect(shutdownCtx, "")
	if err != nil {
		return nil, err
	}

	wsHub := ws.NewHub()
	go wsHub.Run()

	counterBatcher := worker.NewCounterBatcher(sessionStore, cfg.CounterFlushInterval)
	go counterBatcher.Run(shutdownCtx)

	teardownConsumer := worker.NewTeardownConsumer(teardownQueue, sessionStore, serverBus)
	go teardownConsumer.Run(shutdownCtx)

	leaseReaper := worker.NewLeaseReaper(backend.Reaper, teardownQueue, cfg.ReapInterval)
	go leaseReaper.Run(shutdownCtx)

	svc := service.NewService(
		sessionStore,
		teardownQueue,
		serverBus,
		counterBatcher,
		cfg.JWTSecret,
		cfg.SessionTTL,
	)

	peers := pion.NewPeerFactory(pion.ICEConfig{
		TURNServer: cfg.TURNServer,
		TURNUser:   cfg.TURNUser,
		TURNPass:   cfg.TURNPass,
		ForceRelay: cfg.ForceRelay,
	})
	newCapturer := func(streamId string) ws.Capturer {
		return pion.NewScreenCapturer(streamId)
	}
	sessionCfg := session.Config{
		Signaling: signaling.Config{
			Timeout: cfg.NegotiationTimeout,
			Retries: cfg.NegotiationRetries,
		},
		CursorInterval: cfg.CursorInterval,
	}

	restHandler := rest.NewHandler(svc)
	wsHandler := ws.NewHandler(svc, wsHub, backend.Connect, peers, newCapturer, sessionCfg)

	return &StudySyncAPI{
		restHandler: restHandler,
		wsHandler:   wsHandler,
		hub:         wsHub,
		serverBus:   serverBus,
		shutdownCtx: shutdownCtx,
	}, nil
}

type healthResponse struct {
	Status string `json:"status"`
	ws.Stats
}

func (studySyncAPI *StudySyncAPI) RegisterRoutes(mux *http.ServeMux, requiredOrigin string) {
	// Health check endpoint (no auth required)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse{Status: "ok", Stats: studySyncAPI.hub.Stats()})
	})

	mux.HandleFunc("/sessions/{id}", studySyncAPI.restHandler.HandleSession)
	mux.HandleFunc("/sessions/{id}/canvas.png", studySyncAPI.restHandler.HandleCanvas)
	mux.HandleFunc("/me/sessions", studySyncAPI.restHandler.HandleMySessions)

	wsUpgrader := studySyncAPI.wsHandler.NewWsUpgrader(requiredOrigin)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		studySyncAPI.wsHandler.ServeWS(wsUpgrader, w, r, studySyncAPI.shutdownCtx)
	})
}

func (studySyncAPI *StudySyncAPI) Close() error {
	return studySyncAPI.serverBus.Close()
}
