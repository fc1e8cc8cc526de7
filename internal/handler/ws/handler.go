package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/flow/backend/internal/middleware"
	"github.com/zhouzirui/flow/backend/internal/model/chat"
	flowservice "github.com/zhouzirui/flow/backend/internal/service/flow"
)

// Handler exposes the aggregation pipeline over a websocket: inbound frames
// are buffered like POST /chat, and delivered fragments are pushed to the
// client in the same FIFO order the polling endpoint would serve them.
type Handler struct {
	flowSvc      *flowservice.Service
	upgrader     websocket.Upgrader
	pollInterval time.Duration
}

// New creates the websocket handler.
func New(flowSvc *flowservice.Service) *Handler {
	return &Handler{
		flowSvc: flowSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		pollInterval: 500 * time.Millisecond,
	}
}

// RegisterRoutes wires the websocket route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Message string `json:"message"`
	APIKey  string `json:"apiKey"`
	Profile string `json:"profile"`
	Persona string `json:"persona"`
}

type outgoingMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionID(r.Context())
	if sessionID == "" {
		http.Error(w, "session identifier missing", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed for session=%s: %v", sessionID, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log.Printf("[ws] connection opened for session=%s", sessionID)
	go h.readLoop(ctx, cancel, conn, sessionID)
	h.deliverLoop(ctx, conn, sessionID)
	log.Printf("[ws] connection closed for session=%s", sessionID)
}

// readLoop buffers inbound chat frames. It owns all reads on the connection.
func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID string) {
	defer cancel()
	for {
		var payload inboundMessage
		if err := conn.ReadJSON(&payload); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[ws] read error for session=%s: %v", sessionID, err)
			}
			return
		}

		if strings.TrimSpace(payload.Message) == "" {
			continue
		}

		cfg := chat.TurnConfig{APIKey: payload.APIKey, Profile: payload.Profile, Persona: payload.Persona}
		if err := h.flowSvc.OnMessage(ctx, sessionID, payload.Message, cfg); err != nil {
			log.Printf("[ws] buffering failed for session=%s: %v", sessionID, err)
		}
	}
}

// deliverLoop drains pending fragments onto the socket. It owns all writes
// on the connection, preserving fragment order.
func (h *Handler) deliverLoop(ctx context.Context, conn *websocket.Conn, sessionID string) {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				msg, ok := h.flowSvc.PopResponse(ctx, sessionID)
				if !ok {
					break
				}
				if err := conn.WriteJSON(outgoingMessage{Role: msg.Role, Content: msg.Content}); err != nil {
					log.Printf("[ws] write failed for session=%s: %v", sessionID, err)
					return
				}
			}
		}
	}
}
