package chat

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/flow/backend/internal/middleware"
	"github.com/zhouzirui/flow/backend/internal/model/chat"
	flowservice "github.com/zhouzirui/flow/backend/internal/service/flow"
	"github.com/zhouzirui/flow/backend/pkg/utils"
)

// Handler exposes the aggregation pipeline over HTTP: buffering incoming
// messages, polling delivered fragments, and resetting a conversation.
type Handler struct {
	flowSvc *flowservice.Service
}

// New creates the chat handler.
func New(flowSvc *flowservice.Service) *Handler {
	return &Handler{flowSvc: flowSvc}
}

// RegisterRoutes wires the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleMessage)
	r.Get("/chat/response", h.handlePopResponse)
	r.Post("/chat/reset", h.handleReset)
	r.Get("/chat/history", h.handleHistory)
}

type messagePayload struct {
	Message string `json:"message"`
	APIKey  string `json:"apiKey"`
	Profile string `json:"profile"`
	Persona string `json:"persona"`
}

func (p messagePayload) config() chat.TurnConfig {
	return chat.TurnConfig{APIKey: p.APIKey, Profile: p.Profile, Persona: p.Persona}
}

// handleMessage buffers one incoming message; the reply arrives later via
// the response poll once the burst's quiet period elapses.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionID(r.Context())
	if sessionID == "" {
		utils.RespondError(w, http.StatusInternalServerError, "session identifier missing")
		return
	}

	var payload messagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.flowSvc.OnMessage(r.Context(), sessionID, payload.Message, payload.config()); err != nil {
		if errors.Is(err, flowservice.ErrEmptyMessage) {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "buffering"})
}

// handlePopResponse serves one pending fragment per call, or 204 when the
// queue is drained.
func (h *Handler) handlePopResponse(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionID(r.Context())
	if sessionID == "" {
		utils.RespondError(w, http.StatusInternalServerError, "session identifier missing")
		return
	}

	msg, ok := h.flowSvc.PopResponse(r.Context(), sessionID)
	if !ok {
		utils.RespondNoContent(w)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"role":    msg.Role,
		"content": msg.Content,
	})
}

// handleReset clears the conversation and rebuilds configuration-keyed
// resources for the supplied config.
func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionID(r.Context())
	if sessionID == "" {
		utils.RespondError(w, http.StatusInternalServerError, "session identifier missing")
		return
	}

	var payload messagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.flowSvc.Reset(r.Context(), sessionID, payload.config()); err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleHistory returns the delivered transcript for re-rendering.
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionID(r.Context())
	if sessionID == "" {
		utils.RespondError(w, http.StatusInternalServerError, "session identifier missing")
		return
	}

	messages := h.flowSvc.History(r.Context(), sessionID)
	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}
