package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/websocket"

	"i4.energy/across/shortrange/at"
	"i4.energy/across/shortrange/dns"
	"i4.energy/across/shortrange/modem"
	"i4.energy/across/shortrange/netstate"
	"i4.energy/across/shortrange/socket"
)

// Server handles incoming HTTP requests for interacting with the
// configured modem instance
type Server struct {
	Logger *slog.Logger
	Modem  *modem.Modem
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /lookup", s.handleLookup)
	mux.HandleFunc("POST /wifi/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	s.sendJSON(w, resp, statusCode)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Debug("Failed to write response", "error", err)
	}
}

// handleStatus reports the link, DNS and socket state of the module
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type StatusResponse struct {
		Connected  bool                `json:"connected"`
		Connection netstate.Connection `json:"connection"`
		DNS        netstate.DNS        `json:"dns"`
		Sockets    []socket.Info       `json:"sockets"`
		Stats      modem.Stats         `json:"stats"`
	}

	s.sendJSON(w, StatusResponse{
		Connected:  s.Modem.IsConnected(),
		Connection: s.Modem.Connection(),
		DNS:        s.Modem.DNS(),
		Sockets:    s.Modem.Sockets().List(),
		Stats:      s.Modem.Stats(),
	}, http.StatusOK)
}

// handleLookup resolves a host name through the module
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	type LookupRequest struct {
		Host string `json:"host"`
	}
	type LookupResponse struct {
		Host string     `json:"host"`
		Addr netip.Addr `json:"addr"`
	}

	var req LookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Host == "" {
		s.sendError(w, "'host' field is required", http.StatusBadRequest)
		return
	}

	addr, err := s.Modem.Lookup(r.Context(), req.Host)
	if err != nil {
		s.Logger.Warn("Lookup failed", "error", err, "host", req.Host)
		s.sendError(w, err.Error(), lookupStatus(err))
		return
	}

	s.Logger.Info("Lookup succeeded", "host", req.Host, "addr", addr)
	s.sendJSON(w, LookupResponse{Host: req.Host, Addr: addr}, http.StatusOK)
}

func lookupStatus(err error) int {
	switch {
	case errors.Is(err, dns.ErrIllegal):
		return http.StatusBadRequest
	case errors.Is(err, dns.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, dns.ErrUnaddressable), errors.Is(err, modem.ErrDataMode):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleDisconnect deactivates a station configuration
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	type DisconnectRequest struct {
		ConfigID int `json:"config_id"`
	}

	var req DisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.Modem.DisconnectWifi(r.Context(), req.ConfigID); err != nil {
		s.Logger.Error("Failed to disconnect", "error", err, "config_id", req.ConfigID)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

const (
	writeWait = 5 * time.Second
	pongWait  = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is one unsolicited result code forwarded to a websocket client.
type Message struct {
	Type   string   `json:"type"`
	Text   string   `json:"text"`
	Event  at.Event `json:"event"`
	Missed uint64   `json:"missed,omitempty"`
}

func eventType(ev at.Event) string {
	switch ev.(type) {
	case at.StartUp:
		return "startup"
	case at.PeerConnected:
		return "peer_connected"
	case at.PeerDisconnected:
		return "peer_disconnected"
	case at.WifiLinkConnected:
		return "wifi_link_connected"
	case at.WifiLinkDisconnected:
		return "wifi_link_disconnected"
	case at.WifiAPUp:
		return "wifi_ap_up"
	case at.WifiAPDown:
		return "wifi_ap_down"
	case at.NetworkUp:
		return "network_up"
	case at.NetworkDown:
		return "network_down"
	case at.NetworkError:
		return "network_error"
	case at.PingResponse:
		return "ping_response"
	case at.PingError:
		return "ping_error"
	case at.DataAvailable:
		return "data"
	default:
		return "unknown"
	}
}

// handleEvents streams unsolicited result codes over a websocket until the
// client goes away
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Error("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.Modem.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// keep on reading control messages
	go func() {
		defer cancel()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pongWait / 2)
	defer ping.Stop()

	events := make(chan Message)
	go func() {
		defer close(events)
		for {
			ev, missed, err := sub.Next(ctx)
			if err != nil {
				return
			}
			msg := Message{Type: eventType(ev), Text: ev.String(), Event: ev, Missed: missed}
			select {
			case events <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.Logger.Debug("Websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Logger.Debug("Websocket ping failed", "error", err)
				return
			}
		}
	}
}
