package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/models"
	"github.com/zlnvch/studysync/service"
)

type Handler struct {
	Service *service.Service
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{Service: svc}
}

// HandleSession serves GET and DELETE /sessions/{id}.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	sessionId := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		record, err := h.Service.GetSession(r.Context(), sessionId)
		if err != nil {
			h.sendError(w, "get session", err)
			return
		}
		h.sendResponse(w, record)

	case http.MethodDelete:
		if err := h.Service.EndSession(r.Context(), user, sessionId); err != nil {
			h.sendError(w, "end session", err)
			return
		}
		h.sendResponse(w, endSessionResponse{Success: true})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type endSessionResponse struct {
	Success bool `json:"success"`
}

// HandleCanvas serves GET /sessions/{id}/canvas.png.
func (h *Handler) HandleCanvas(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := h.authenticate(w, r); !ok {
		return
	}

	png, err := h.Service.RenderCanvas(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, "render canvas", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

type mySessionsResponse struct {
	Sessions []string `json:"sessions"`
}

// HandleMySessions serves GET /me/sessions.
func (h *Handler) HandleMySessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	ids, err := h.Service.ListCreatorSessions(r.Context(), user)
	if err != nil {
		h.sendError(w, "list sessions", err)
		return
	}
	h.sendResponse(w, mySessionsResponse{Sessions: ids})
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	user, err := h.Service.AuthenticateToken(h.getTokenFromAuthHeader(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return models.User{}, false
	}
	return user, true
}

func (h *Handler) sendError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrSessionNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, service.ErrNotSessionCreator):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		logrus.WithError(err).Errorf("Failed to %s", action)
		http.Error(w, "failed to "+action, http.StatusInternalServerError)
	}
}

func (h *Handler) sendResponse(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (h *Handler) getTokenFromAuthHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimPrefix(authHeader, prefix)
}
