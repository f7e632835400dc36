package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	gorillaws "github.com/gorilla/websocket"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/events"
)

// monitorHandler streams channel lifecycle events to WebSocket clients.
//
// Clients open a WebSocket connection to:
//
//	GET /monitor
//
// and receive one JSON frame per event:
//
//	{"type":"batch_sent","group":"analytics","batch_id":"<ULID>","count":50,"timestamp_ms":...}
type monitorHandler struct {
	bus *events.Bus
}

var upgrader = gorillaws.Upgrader{
	CheckOrigin:     monitorOriginAllowed,
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// monitorOriginAllowed gates browser access to the monitor: an upgrade
// is accepted when the Origin host equals the request host, scheme
// ignored. Requests that carry no Origin header at all come from
// non-browser tooling (curl, native dashboards) and are let through —
// there is no cross-site context to protect them from.
func monitorOriginAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Host == r.Host
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *monitorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("monitor: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	evCh, cancel := h.bus.Subscribe(256)
	defer cancel()

	// Drain (and discard) client frames so pings and close frames are
	// processed; closure surfaces through ReadMessage.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-clientGone:
			return
		case ev, ok := <-evCh:
			if !ok {
				return
			}
			data, _ := json.Marshal(ev)
			if writeErr := conn.WriteMessage(gorillaws.TextMessage, data); writeErr != nil {
				return
			}
		}
	}
}
