// Package httpapi is the collaborator-facing surface: message submission,
// history and unread queries, and the change-feed diagnostics endpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/voxgate/voxgate/internal/auth"
	"github.com/voxgate/voxgate/internal/feed"
	"github.com/voxgate/voxgate/internal/message"
	"github.com/voxgate/voxgate/internal/ws"
)

const maxBodyBytes = 1 << 20

// Publisher fans a stored message out to local subscribers.
type Publisher interface {
	Publish(msg message.Message)
}

// FeedReporter exposes the bridge's diagnostic status.
type FeedReporter interface {
	Status() feed.Status
}

type Handler struct {
	log      *slog.Logger
	messages message.Repository
	verifier *auth.Verifier
	pub      Publisher
	hub      *ws.Hub
	bridge   FeedReporter
	validate *validator.Validate
	version  string
}

func NewHandler(log *slog.Logger, messages message.Repository, verifier *auth.Verifier, pub Publisher, hub *ws.Hub, bridge FeedReporter, version string) *Handler {
	return &Handler{
		log:      log.With("component", "httpapi"),
		messages: messages,
		verifier: verifier,
		pub:      pub,
		hub:      hub,
		bridge:   bridge,
		validate: validator.New(),
		version:  version,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/messages", h.handleMessages)
	mux.HandleFunc("/messages/history", h.handleHistory)
	mux.HandleFunc("/messages/unread", h.handleUnread)
	mux.HandleFunc("/messages/read", h.handleMarkRead)
	mux.HandleFunc("/diagnostics/changefeed", h.handleChangefeedDiagnostics)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "online",
		"service":   "voxgate",
		"version":   h.version,
		"timestamp": time.Now().UTC(),
	})
}

type submitRequest struct {
	Channel        string `json:"channel" validate:"required"`
	ConversationID string `json:"conversation_id"`
	SenderName     string `json:"sender_name"`
	SenderType     string `json:"sender_type"`
	Recipient      string `json:"recipient"`
	Content        string `json:"content" validate:"required,max=65536"`
	ContentType    string `json:"content_type"`
	ClientMsgID    string `json:"client_msg_id" validate:"max=128"`
}

// handleMessages accepts submissions from external collaborators (business
// services, channel adapters). The submission is persisted first and only
// then published; idempotent replays return the original record.
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, err := h.authenticate(r)
	if err != nil {
		writeError(w, authStatus(err), err)
		return
	}

	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	senderType := message.SenderType(req.SenderType)
	if senderType == "" {
		senderType = message.SenderUser
	}
	msg := message.Message{
		ID:             message.ID(uuid.NewString()),
		Channel:        message.Channel(req.Channel),
		ConversationID: req.ConversationID,
		SenderID:       principal.ID,
		SenderName:     req.SenderName,
		SenderType:     senderType,
		RecipientID:    req.Recipient,
		Content:        req.Content,
		ContentType:    message.ContentType(req.ContentType),
		ClientMsgID:    req.ClientMsgID,
		CreatedAt:      time.Now().UTC(),
	}
	if msg.ContentType == "" {
		msg.ContentType = message.ContentText
	}
	if err := msg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	stored, err := h.messages.Save(r.Context(), msg)
	if err != nil {
		h.log.Error("persist submission", "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to store message"))
		return
	}
	status := http.StatusCreated
	if stored.ID != msg.ID {
		// Idempotent replay of an earlier submission, which was already
		// published when it was first stored.
		status = http.StatusOK
	} else {
		h.pub.Publish(stored)
	}
	writeJSON(w, status, stored)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.authenticate(r); err != nil {
		writeError(w, authStatus(err), err)
		return
	}

	ch := message.Channel(r.URL.Query().Get("channel"))
	if !ch.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown channel"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be 1-500"))
			return
		}
		limit = n
	}

	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("before must be RFC 3339"))
			return
		}
		before = parsed
	}

	msgs, err := h.messages.History(r.Context(), ch, r.URL.Query().Get("conversation"), limit, before)
	if err != nil {
		h.log.Error("load history", "channel", ch, "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to load history"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": ch, "messages": msgs})
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, err := h.authenticate(r)
	if err != nil {
		writeError(w, authStatus(err), err)
		return
	}

	recipient := r.URL.Query().Get("recipient")
	if recipient == "" {
		recipient = principal.ID
	}
	msgs, err := h.messages.Unread(r.Context(), recipient)
	if err != nil {
		h.log.Error("load unread", "recipient", recipient, "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to load unread messages"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recipient": recipient,
		"count":     len(msgs),
		"messages":  msgs,
	})
}

type markReadRequest struct {
	Recipient string `json:"recipient"`
	Sender    string `json:"sender"`
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, err := h.authenticate(r)
	if err != nil {
		writeError(w, authStatus(err), err)
		return
	}

	var req markReadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Recipient == "" {
		req.Recipient = principal.ID
	}

	n, err := h.messages.MarkRead(r.Context(), req.Recipient, req.Sender)
	if err != nil {
		h.log.Error("mark read", "recipient", req.Recipient, "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to mark messages read"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"modified": n})
}

// handleChangefeedDiagnostics reports, per channel, whether a watcher is open
// and whether the store supports change notification at all.
func (h *Handler) handleChangefeedDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body := map[string]any{
		"timestamp": time.Now().UTC(),
		"feed":      h.bridge.Status(),
	}
	if h.hub != nil {
		if snap, err := h.hub.RegistrySnapshot(r.Context()); err == nil {
			body["registry"] = snap
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) authenticate(r *http.Request) (auth.Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return auth.Principal{}, auth.ErrUnauthenticated
	}
	token, err := auth.ParseBearer(header)
	if err != nil {
		return auth.Principal{}, err
	}
	return h.verifier.Verify(token)
}

func authStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrExpired), errors.Is(err, auth.ErrInvalid):
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
