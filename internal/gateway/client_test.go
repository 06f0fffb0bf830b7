package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/transport"
)

func TestClientSend(t *testing.T) {
	var got transport.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sessions/d1/messages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("Authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(transport.SendResult{MessageID: "wamid-1"})
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL + "/", APIKey: "secret"}, nil)
	res, err := c.Send(context.Background(), "d1", &transport.Message{ID: "t1", To: "60123", Type: transport.MessageText, Content: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.MessageID != "wamid-1" {
		t.Errorf("MessageID = %q", res.MessageID)
	}
	if got.To != "60123" || got.Content != "hi" {
		t.Errorf("gateway received %+v", got)
	}
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"not connected", http.StatusConflict, `{"error":"offline","code":"not_connected"}`, transport.ErrNotConnected},
		{"revoked", http.StatusUnauthorized, `{"error":"logged out","code":"session_revoked"}`, transport.ErrSessionRevoked},
		{"unknown by status", http.StatusNotFound, `not json`, transport.ErrUnknownDevice},
		{"message failure", http.StatusBadRequest, `{"error":"invalid number"}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(Config{URL: srv.URL}, nil)
			_, err := c.Send(context.Background(), "d1", &transport.Message{To: "1"})

			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != tt.status {
				t.Fatalf("Send() error = %v, want APIError %d", err, tt.status)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.want)
			}
			if tt.want == nil && transport.IsSessionError(err) {
				t.Errorf("message failure reported as session error: %v", err)
			}
		})
	}
}

func TestClientIsConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sessions/d1/status":
			w.Write([]byte(`{"connected":true,"phone":"60123"}`))
		case "/sessions/d2/status":
			w.Write([]byte(`{"connected":false}`))
		case "/sessions/d3/status":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL}, nil)
	tests := []struct {
		id      string
		want    bool
		wantErr bool
	}{
		{"d1", true, false},
		{"d2", false, false},
		{"d3", false, false},
		{"d4", false, true},
	}
	for _, tt := range tests {
		got, err := c.IsConnected(context.Background(), tt.id)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("IsConnected(%s) = %v, %v", tt.id, got, err)
		}
	}
}

func TestClientPairAndConnect(t *testing.T) {
	var connectBody connectRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sessions/d1/pair":
			var req transport.PairRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.Method != transport.PairCode || req.Phone != "60123" {
				t.Errorf("pair request = %+v", req)
			}
			w.Write([]byte(`{"pair_code":"ABCD-1234"}`))
		case "/sessions/d1/connect":
			json.NewDecoder(r.Body).Decode(&connectBody)
			w.WriteHeader(http.StatusNoContent)
		case "/sessions/d1/logout", "/sessions/d1/disconnect":
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL}, nil)
	ctx := context.Background()

	res, err := c.Pair(ctx, "d1", transport.PairRequest{Method: transport.PairCode, Phone: "60123"})
	if err != nil || res.PairCode != "ABCD-1234" {
		t.Fatalf("Pair() = %+v, %v", res, err)
	}
	if err := c.Connect(ctx, "d1", []byte("material")); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if string(connectBody.Session) != "material" {
		t.Errorf("session sent = %q", connectBody.Session)
	}
	if err := c.Disconnect(ctx, "d1"); err != nil {
		t.Errorf("Disconnect() error = %v", err)
	}
	if err := c.Logout(ctx, "d1"); err != nil {
		t.Errorf("Logout() error = %v", err)
	}
}

type recordingEvents struct {
	calls []string
}

func (r *recordingEvents) CompletePairing(ctx context.Context, id, phone string, session []byte) error {
	r.calls = append(r.calls, "paired:"+id+":"+phone+":"+string(session))
	return nil
}

func (r *recordingEvents) MarkDisconnected(ctx context.Context, id, reason string) error {
	r.calls = append(r.calls, "disconnected:"+id+":"+reason)
	return nil
}

func (r *recordingEvents) MarkLoggedOut(ctx context.Context, id, reason string) error {
	r.calls = append(r.calls, "logged_out:"+id+":"+reason)
	return nil
}

func TestDeliver(t *testing.T) {
	tests := []struct {
		name    string
		ev      Event
		want    string
		wantErr bool
	}{
		{"paired", Event{Type: EventPaired, Phone: "60123", Session: []byte("s")}, "paired:d1:60123:s", false},
		{"paired without phone", Event{Type: EventPaired}, "", true},
		{"disconnected", Event{Type: EventDisconnected}, "disconnected:d1:gateway reported disconnect", false},
		{"logged out", Event{Type: EventLoggedOut, Reason: "revoked on phone"}, "logged_out:d1:revoked on phone", false},
		{"unknown", Event{Type: "bogus"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingEvents{}
			err := Deliver(context.Background(), rec, "d1", &tt.ev)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Deliver() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.want != "" && (len(rec.calls) != 1 || rec.calls[0] != tt.want) {
				t.Errorf("calls = %v, want [%s]", rec.calls, tt.want)
			}
		})
	}
}
