package ws

import (
	"github.com/sirupsen/logrus"
)

const maxConnectionsPerUser = 3

type Stats struct {
	Connections int `json:"connections"`
	Sessions    int `json:"sessions"`
}

// Hub keeps track of the open connections per user and per session.
type Hub struct {
	OpenCh           chan *Client
	CloseCh          chan *Client
	statsCh          chan chan Stats
	userToClients    map[string]map[*Client]struct{}
	sessionToClients map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		OpenCh:           make(chan *Client, 256),
		CloseCh:          make(chan *Client, 256),
		statsCh:          make(chan chan Stats),
		userToClients:    make(map[string]map[*Client]struct{}),
		sessionToClients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.OpenCh:
			if _, ok := h.userToClients[client.user.Id]; !ok {
				h.userToClients[client.user.Id] = make(map[*Client]struct{})
			}

			if len(h.userToClients[client.user.Id]) >= maxConnectionsPerUser {
				logrus.WithField("user", client.user.Id).Warnf("User reached max connections (%d)", maxConnectionsPerUser)
				client.close()
				continue
			}

			h.userToClients[client.user.Id][client] = struct{}{}
			if _, ok := h.sessionToClients[client.sessionId]; !ok {
				h.sessionToClients[client.sessionId] = make(map[*Client]struct{})
			}
			h.sessionToClients[client.sessionId][client] = struct{}{}

		case client := <-h.CloseCh:
			delete(h.sessionToClients[client.sessionId], client)
			if len(h.sessionToClients[client.sessionId]) == 0 {
				delete(h.sessionToClients, client.sessionId)
			}
			delete(h.userToClients[client.user.Id], client)
			if len(h.userToClients[client.user.Id]) == 0 {
				delete(h.userToClients, client.user.Id)
			}

		case reply := <-h.statsCh:
			connections := 0
			for _, clients := range h.userToClients {
				connections += len(clients)
			}
			reply <- Stats{Connections: connections, Sessions: len(h.sessionToClients)}
		}
	}
}

// Stats returns the current connection counts. The hub must be running.
func (h *Hub) Stats() Stats {
	reply := make(chan Stats, 1)
	h.statsCh <- reply
	return <-reply
}
