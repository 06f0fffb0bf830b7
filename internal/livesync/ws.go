package livesync

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 512
)

// StreamConfig configures the websocket push stream
type StreamConfig struct {
	PingInterval time.Duration
	Buffer       int
}

// Stream serves the websocket push stream. Clients may narrow it with the
// device_id and campaign_id query parameters.
type Stream struct {
	bus      *Bus
	cfg      StreamConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewStream creates a websocket handler reading from bus
func NewStream(bus *Bus, cfg StreamConfig, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= pongWait {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	return &Stream{
		bus:    bus,
		cfg:    cfg,
		logger: logger.With("component", "livesync"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API key gate sits in front of the stream
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Filter selects the events a subscriber receives
type Filter struct {
	DeviceID   string
	CampaignID string
}

// Match reports whether e passes the filter
func (f Filter) Match(e Event) bool {
	if f.DeviceID != "" && e.DeviceID != f.DeviceID {
		return false
	}
	if f.CampaignID != "" && e.CampaignID != f.CampaignID {
		return false
	}
	return true
}

// ServeHTTP implements http.Handler
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := Filter{
		DeviceID:   r.URL.Query().Get("device_id"),
		CampaignID: r.URL.Query().Get("campaign_id"),
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	events, unsubscribe := s.bus.Subscribe(s.cfg.Buffer)
	defer unsubscribe()

	logger := s.logger.With("remote_addr", r.RemoteAddr)
	logger.Debug("stream subscriber connected", "device_id", filter.DeviceID, "campaign_id", filter.CampaignID)

	done := make(chan struct{})
	go s.readLoop(conn, done)

	s.writeLoop(conn, events, filter, done, logger)
	conn.Close()
	logger.Debug("stream subscriber disconnected")
}

// readLoop discards client messages and notices when the peer goes away
func (s *Stream) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Stream) writeLoop(conn *websocket.Conn, events <-chan Event, filter Filter, done <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case e, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			if !filter.Match(e) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				logger.Debug("stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
