// Package admin serves the operator HTTP API: agent card, user balances,
// thread transcripts and an unpaid chat endpoint for local testing.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/user/nostragent/internal/types"
)

// ChatFunc runs one unpaid turn for user on thread and returns the reply.
// An empty thread continues the user's current thread.
type ChatFunc func(ctx context.Context, user types.UserID, thread types.ThreadID, text string) (string, types.ThreadID, error)

// Server is the chi-backed operator API.
type Server struct {
	store  types.SessionStore
	card   *types.AgentCard
	chat   ChatFunc
	logger *slog.Logger
	router chi.Router
}

// NewServer builds the router. chat may be nil, in which case POST /api/chat
// is not mounted.
func NewServer(store types.SessionStore, card *types.AgentCard, chat ChatFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if card == nil {
		card = &types.AgentCard{}
	}
	s := &Server{store: store, card: card, chat: chat, logger: logger}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Route("/api", func(r chi.Router) {
		r.Get("/card", s.handleCard)
		r.Get("/users/{id}", s.handleUser)
		r.Post("/users/{id}/credit", s.handleCredit)
		r.Get("/threads/{id}/messages", s.handleMessages)
		if chat != nil {
			r.Post("/chat", s.handleChat)
		}
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.card)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	id := types.UserID(chi.URLParam(r, "id"))
	user, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		s.logger.Error("admin get user failed", "user_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type creditRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	id := types.UserID(chi.URLParam(r, "id"))
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	balance, err := s.store.Credit(r.Context(), id, req.Amount)
	if err != nil {
		s.logger.Error("admin credit failed", "user_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.logger.Info("admin credit", "user_id", id, "amount", req.Amount, "balance", balance)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "available_balance": balance})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	thread := types.ThreadID(chi.URLParam(r, "id"))
	if !thread.Valid() {
		writeError(w, http.StatusBadRequest, "invalid thread id")
		return
	}
	q := r.URL.Query()

	filter := types.MessageFilter{}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
		filter.AfterIdx = &n
	}
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before")
			return
		}
		filter.BeforeIdx = &n
	}
	filter.Reverse = q.Get("reverse") == "true"

	msgs, err := s.store.ListMessages(r.Context(), thread, types.UserID(q.Get("user")), filter)
	if err != nil {
		s.logger.Error("admin list messages failed", "thread_id", thread, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type chatRequest struct {
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id"`
	Text     string `json:"text"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.UserID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "user_id and text are required")
		return
	}
	if req.ThreadID != "" && !types.ThreadID(req.ThreadID).Valid() {
		writeError(w, http.StatusBadRequest, "invalid thread id")
		return
	}
	reply, thread, err := s.chat(r.Context(), types.UserID(req.UserID), types.ThreadID(req.ThreadID), req.Text)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("admin chat failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": reply, "thread_id": string(thread)})
}
