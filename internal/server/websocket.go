package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jamesruggles/aegis/internal/scanner"
	"github.com/jamesruggles/aegis/internal/tools"
)

const wsWriteTimeout = 5 * time.Second

var _ scanner.Broadcaster = (*Hub)(nil)

// Hub manages WebSocket clients subscribed to scan output.
type Hub struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (h *Hub) Subscribe(scanID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[scanID] == nil {
		h.clients[scanID] = make(map[*websocket.Conn]struct{})
	}
	h.clients[scanID][conn] = struct{}{}
}

func (h *Hub) Unsubscribe(scanID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[scanID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, scanID)
		}
	}
}

// Subscribers returns how many clients follow scanID.
func (h *Hub) Subscribers(scanID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[scanID])
}

// Broadcast sends line to every client of scanID. Clients that cannot be
// written to are dropped.
func (h *Hub) Broadcast(scanID string, line tools.OutputLine) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[scanID]))
	for c := range h.clients[scanID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	data, err := json.Marshal(line)
	if err != nil {
		return
	}

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Debug("ws write error", "scan_id", scanID, "error", err)
			h.Unsubscribe(scanID, conn)
			conn.Close(websocket.StatusGoingAway, "write failed")
		}
	}
}

type wsSubscribeMsg struct {
	ScanID string `json:"scan_id"`
}

// handleWebSocket subscribes a client to one scan. The scan ID comes from
// the scan_id query parameter or, failing that, a first JSON message.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Server.AllowedOrigins,
	})
	if err != nil {
		s.logger.Error("ws accept error", "error", err)
		return
	}
	defer conn.CloseNow()

	scanID := r.URL.Query().Get("scan_id")
	if scanID == "" {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var msg wsSubscribeMsg
		if err := json.Unmarshal(data, &msg); err != nil || msg.ScanID == "" {
			conn.Close(websocket.StatusInvalidFramePayloadData, "invalid subscribe message")
			return
		}
		scanID = msg.ScanID
	}

	if _, ok := s.executor.Job(scanID); !ok {
		conn.Close(websocket.StatusPolicyViolation, "unknown scan")
		return
	}

	s.hub.Subscribe(scanID, conn)
	defer s.hub.Unsubscribe(scanID, conn)

	// Reads only detect the client going away.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}
