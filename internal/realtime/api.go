package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/adred-codev/parkdog_dm/internal/auth"
	"github.com/adred-codev/parkdog_dm/internal/ids"
	"github.com/adred-codev/parkdog_dm/internal/limits"
	"github.com/adred-codev/parkdog_dm/internal/protocol"
	"github.com/adred-codev/parkdog_dm/internal/queue"
	"github.com/adred-codev/parkdog_dm/internal/store"
)

// registerAPI mounts the REST history and queue introspection endpoints.
// All of them take an API token, not a realtime one. Queue endpoints expose
// job payloads, which hold message text, so they also need the operator role.
func (s *Server) registerAPI(r *mux.Router) {
	r.Use(s.authenticateAPI)

	r.HandleFunc("/conversations", s.listConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}", s.deleteConversation).Methods(http.MethodDelete)
	r.HandleFunc("/conversations/{id}/messages", s.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/messages/{messageId}", s.deleteMessage).Methods(http.MethodDelete)
	r.HandleFunc("/conversations/{id}/unread", s.unreadCount).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/read", s.markRead).Methods(http.MethodPost)

	r.Handle("/queues", s.requireOperator(s.queueStats)).Methods(http.MethodGet)
	r.Handle("/queues/{name}/failed", s.requireOperator(s.failedJobs)).Methods(http.MethodGet)
	r.Handle("/queues/{name}/failed/{jobId}/requeue", s.requireOperator(s.requeueJob)).Methods(http.MethodPost)
}

func (s *Server) requireOperator(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok || !claims.IsOperator() {
			s.logger.Warn().
				Str("user_id", auth.UserIDFromContext(r.Context())).
				Str("path", r.URL.Path).
				Msg("Queue access denied: operator role required")
			writeError(w, http.StatusForbidden, "FORBIDDEN", "operator role required")
			return
		}
		next(w, r)
	})
}

func (s *Server) authenticateAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing or malformed token")
			return
		}
		claims, err := s.verifier.VerifyAPI(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token")
			return
		}
		if !s.limiter.Allow(r.Context(), claims.UserID, limits.ActionAPIGeneral) {
			writeError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "too many requests")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

// writeProtocolError maps a handler error onto an HTTP status.
func (s *Server) writeProtocolError(w http.ResponseWriter, r *http.Request, err error) {
	pe := classify(err)
	status := http.StatusInternalServerError
	switch pe.Code {
	case protocol.CodeConversationNotFound:
		status = http.StatusNotFound
	case protocol.CodeUnauthorized, protocol.CodeBlocked, protocol.CodeNoMatch:
		status = http.StatusForbidden
	case protocol.CodeInvalidData, protocol.CodeInvalidConversationID, protocol.CodeInvalidMessage:
		status = http.StatusBadRequest
	case protocol.CodeRateLimited:
		status = http.StatusTooManyRequests
	}

	msg := pe.Message
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("API request failed")
		if !s.service.opts.HideInternalErrors {
			msg = err.Error()
		}
	}
	writeError(w, status, pe.Code, msg)
}

func userID(r *http.Request) string {
	return auth.UserIDFromContext(r.Context())
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

type conversationSummary struct {
	*store.Conversation
	PeerID      string `json:"peerId"`
	UnreadCount int64  `json:"unreadCount"`
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userID(r)

	convs, err := s.service.store.ListConversations(ctx, user, queryLimit(r))
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}

	out := make([]conversationSummary, 0, len(convs))
	for i := range convs {
		unread, err := s.service.store.UnreadCount(ctx, convs[i].ID, user)
		if err != nil {
			s.writeProtocolError(w, r, err)
			return
		}
		out = append(out, conversationSummary{
			Conversation: &convs[i],
			PeerID:       convs[i].Peer(user),
			UnreadCount:  unread,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.service.store.DeleteConversation(r.Context(), id, userID(r)); err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listMessages pages newest first; nextCursor feeds the next "before".
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	before := r.URL.Query().Get("before")
	if before != "" && !ids.Valid(before) {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidData, "invalid cursor")
		return
	}
	if _, err := s.service.member(ctx, userID(r), id); err != nil {
		s.writeProtocolError(w, r, err)
		return
	}

	limit := store.NormalizeLimit(queryLimit(r))
	page, err := s.service.store.ListMessages(ctx, id, limit, before)
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}

	var next *string
	if len(page) == limit {
		oldest := page[len(page)-1].ID
		next = &oldest
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": page, "nextCursor": next})
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	user := userID(r)

	if _, err := s.service.member(ctx, user, vars["id"]); err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	msg, err := s.service.store.GetMessage(ctx, vars["messageId"])
	if errors.Is(err, store.ErrNotFound) || (err == nil && (msg.ConversationID != vars["id"] || msg.IsDeleted)) {
		writeError(w, http.StatusNotFound, "MESSAGE_NOT_FOUND", "message not found")
		return
	}
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}

	if err := s.service.store.DeleteMessage(ctx, msg.ID, user); err != nil {
		if errors.Is(err, store.ErrNotParticipant) {
			writeError(w, http.StatusForbidden, protocol.CodeUnauthorized, "only the sender may delete a message")
			return
		}
		s.writeProtocolError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	user := userID(r)

	if _, err := s.service.member(ctx, user, id); err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	n, err := s.service.store.UnreadCount(ctx, id, user)
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversationId": id, "unreadCount": n})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)

	var req protocol.ReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidData, "invalid request body")
		return
	}
	req.ConversationID = mux.Vars(r)["id"]
	if err := s.service.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidData, "invalid request body")
		return
	}

	receipt, err := s.service.MarkRead(r.Context(), userID(r), req.ConversationID, req.UpToMessageID)
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	out := make([]queue.Stats, 0, len(s.queues))
	for _, name := range []string{queue.Messages, queue.Notifications} {
		q, ok := s.queues[name]
		if !ok {
			continue
		}
		stats, err := q.Stats(r.Context())
		if err != nil {
			s.writeProtocolError(w, r, err)
			return
		}
		out = append(out, stats)
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": out})
}

func (s *Server) lookupQueue(w http.ResponseWriter, r *http.Request) (queue.Queue, bool) {
	q, ok := s.queues[mux.Vars(r)["name"]]
	if !ok {
		writeError(w, http.StatusNotFound, "QUEUE_NOT_FOUND", "unknown queue")
	}
	return q, ok
}

func (s *Server) failedJobs(w http.ResponseWriter, r *http.Request) {
	q, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}
	limit := queryLimit(r)
	if limit <= 0 {
		limit = 50
	}
	jobs, err := q.Failed(r.Context(), limit)
	if err != nil {
		s.writeProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": q.Name(), "jobs": jobs})
}

func (s *Server) requeueJob(w http.ResponseWriter, r *http.Request) {
	q, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}
	jobID := mux.Vars(r)["jobId"]
	if err := q.Requeue(r.Context(), jobID); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "no failed job with that id")
			return
		}
		s.writeProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID, "state": queue.StatePending})
}
