package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/mock/gomock"

	"i4.energy/across/shortrange/modem"
)

// newTestServer returns a Server on a modem whose module resolves
// example.com and acknowledges everything else.
func newTestServer(t *testing.T) (*Server, *modem.TestTransport) {
	t.Helper()

	ctrl := gomock.NewController(t)
	transport := modem.NewTestTransport()
	transport.ReadTimeout = 5 * time.Millisecond
	transport.OnWrite = func(p []byte) {
		switch cmd := strings.TrimSuffix(string(p), "\r"); {
		case cmd == `AT+UPING="example.com",1`:
			transport.SendData("OK\r\n+UUPING:1,32,\"example.com\",93.184.216.34,64,12\r\n")
		default:
			transport.SendData("OK\r\n")
		}
	}

	dialer := modem.NewMockDialer(ctrl)
	dialer.EXPECT().Dial(gomock.Any()).Return(transport, nil)

	m, err := modem.New(context.Background(), modem.NewConfigBuilder().WithDialer(dialer).MustBuild())
	if err != nil {
		t.Fatalf("failed to create modem: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	return &Server{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Modem:  m,
	}, transport
}

func TestServerStatus(t *testing.T) {
	t.Run("Reports the module state", func(t *testing.T) {
		server, _ := newTestServer(t)

		w := httptest.NewRecorder()
		server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}

		var status struct {
			Connected  bool `json:"connected"`
			Connection struct {
				State string `json:"state"`
			} `json:"connection"`
			DNS struct {
				State string `json:"state"`
			} `json:"dns"`
		}
		if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
			t.Fatalf("invalid response body: %v", err)
		}
		if status.Connected || status.Connection.State != "inactive" {
			t.Errorf("unexpected connection: %+v", status)
		}
		if status.DNS.State != "unresolved" {
			t.Errorf("unexpected DNS state %q", status.DNS.State)
		}
	})

	t.Run("Rejects other methods", func(t *testing.T) {
		server, _ := newTestServer(t)

		w := httptest.NewRecorder()
		server.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/status", nil))

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status 405, got %d", w.Code)
		}
	})
}

func TestServerLookup(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		addr   string
	}{
		{name: "Resolves a host", body: `{"host":"example.com"}`, status: http.StatusOK, addr: "93.184.216.34"},
		{name: "Returns IP literals as is", body: `{"host":"10.1.2.3"}`, status: http.StatusOK, addr: "10.1.2.3"},
		{name: "Missing host", body: `{}`, status: http.StatusBadRequest},
		{name: "Illegal host name", body: `{"host":"bad host!"}`, status: http.StatusBadRequest},
		{name: "Invalid JSON", body: `{`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := newTestServer(t)

			w := httptest.NewRecorder()
			server.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/lookup", strings.NewReader(tt.body)))

			if w.Code != tt.status {
				t.Fatalf("expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if tt.addr == "" {
				return
			}

			var resp struct {
				Addr string `json:"addr"`
			}
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("invalid response body: %v", err)
			}
			if resp.Addr != tt.addr {
				t.Errorf("expected addr %s, got %s", tt.addr, resp.Addr)
			}
		})
	}
}

func TestServerDisconnect(t *testing.T) {
	server, transport := newTestServer(t)

	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/wifi/disconnect", strings.NewReader(`{"config_id":1}`)))

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d: %s", w.Code, w.Body.String())
	}

	written := transport.Written()
	if last := written[len(written)-1]; last != "AT+UWSCA=1,4\r" {
		t.Errorf("expected deactivate command, got %q", last)
	}
}

func TestServerEvents(t *testing.T) {
	server, transport := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Modem.Loop(ctx)

	ts := httptest.NewServer(server)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/events", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	// The subscription starts once the upgrade completed; keep the module
	// talking until the first event comes through.
	received := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-received:
				return
			case <-ticker.C:
				transport.SendData("+UUDPD:3\r\n")
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type  string `json:"type"`
		Text  string `json:"text"`
		Event struct {
			Handle int `json:"Handle"`
		} `json:"event"`
	}
	err = conn.ReadJSON(&msg)
	close(received)
	if err != nil {
		t.Fatalf("expected an event: %v", err)
	}

	if msg.Type != "peer_disconnected" || msg.Event.Handle != 3 {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Text != "peer 3 disconnected" {
		t.Errorf("unexpected text %q", msg.Text)
	}
}
