package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/engine"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/transcript"
)

const (
	defaultInsightLimit = 5
	maxInsightLimit     = 50
	defaultChatLimit    = 20
)

// writeEngineError maps engine and store errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrUnknownChat), errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case r.Context().Err() != nil:
		// client went away; nothing useful to send
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		s.log.Error("request error", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BotID   string `json:"bot_id"`
		Message string `json:"message"`
	}
	if !decode(w, r, &req) {
		return
	}

	res, err := s.engine.Turn(r.Context(), engine.TurnRequest{
		ChatID:  chi.URLParam(r, "chatID"),
		BotID:   req.BotID,
		Message: req.Message,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CandidateID string `json:"candidate_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.RecordUsage(r.Context(), chi.URLParam(r, "chatID"), req.CandidateID); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content   string   `json:"content"`
		FollowUps []string `json:"follow_ups"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.RecordResponse(r.Context(), chi.URLParam(r, "chatID"), req.Content, req.FollowUps); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BotID string `json:"bot_id"`
	}
	// the body is optional
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	state, err := s.engine.Reset(r.Context(), chi.URLParam(r, "chatID"), req.BotID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, cs, err := s.engine.State(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": state,
		"context":      cs,
	})
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultInsightLimit)
	if limit > maxInsightLimit {
		limit = maxInsightLimit
	}
	in, err := s.engine.Insights(r.Context(), chi.URLParam(r, "chatID"), limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// handleMessages returns the message log of one conversation. Without a
// conversation parameter the latest conversation is used.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	number := queryInt(r, "conversation", 0)
	if number <= 0 {
		conv, err := s.db.LatestConversation(r.Context(), chatID)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		number = conv.ConversationNumber
	}

	msgs, err := s.db.Messages(r.Context(), chatID, number)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []engine.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chat_id":             chatID,
		"conversation_number": number,
		"messages":            msgs,
		"condensed":           transcript.Condense(msgs),
	})
}

func (s *Server) handleRecentChats(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultChatLimit)
	if limit == 0 {
		limit = defaultChatLimit
	}
	chats, err := s.db.RecentChats(r.Context(), limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if chats == nil {
		chats = []engine.ConversationState{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	botID := r.URL.Query().Get("bot_id")
	if botID == "" {
		writeError(w, http.StatusBadRequest, "bot_id required")
		return
	}
	list, err := s.db.Candidates(r.Context(), botID, r.URL.Query().Get("category"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if list == nil {
		list = []engine.Candidate{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	bots, err := s.db.Bots(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if bots == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, bots)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
