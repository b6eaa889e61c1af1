package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"streamchat/internal/metrics"
	"streamchat/internal/servicetoken"
	"streamchat/internal/usertoken"
	"streamchat/internal/util"
	"streamchat/pkg/chatapi"
	"streamchat/pkg/domain"
	"streamchat/pkg/store"
	"streamchat/pkg/storeclient"
	"streamchat/services/store/internal/app"
)

const maxBodyBytes = 4 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Users    usertoken.SubjectVerifier
	Internal *servicetoken.Verifier
	Metrics  *metrics.Metrics
}

// Server exposes the user-facing /api surface and the /internal mutation
// surface of the store service.
type Server struct {
	app      *app.App
	users    usertoken.SubjectVerifier
	internal *servicetoken.Verifier
	metrics  *metrics.Metrics
	mux      *http.ServeMux
}

func New(cfg Config) *Server {
	s := &Server{
		app:      cfg.App,
		users:    cfg.Users,
		internal: cfg.Internal,
		metrics:  cfg.Metrics,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("store", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	user := func(pattern string, h http.HandlerFunc) {
		route := pattern[strings.IndexByte(pattern, ' ')+1:]
		s.mux.Handle(pattern, s.metrics.Instrument(route, usertoken.Middleware(s.users, s.reject)(h)))
	}
	user("POST /api/threads", s.handleCreateThread)
	user("GET /api/threads/{id}", s.handleGetThread)
	user("PATCH /api/threads/{id}", s.handlePatchThread)
	user("GET /api/threads/{id}/messages", s.handleListMessages)
	user("POST /api/threads/{id}/messages", s.handleInsertMessages)
	user("GET /api/messages/{id}", s.handleGetMessage)
	user("PATCH /api/messages/{id}", s.handlePatchMessage)
	user("POST /api/messages/{id}/attachments", s.handleInsertAttachments)
	user("GET /api/attachments", s.handleListAttachments)

	internal := func(pattern string, h http.HandlerFunc) {
		route := pattern[strings.IndexByte(pattern, ' ')+1:]
		s.mux.Handle(pattern, s.metrics.Instrument(route, s.internal.Middleware(s.reject)(h)))
	}
	internal("GET /internal/messages/{id}", s.handleInternalGetMessage)
	internal("PATCH /internal/messages/{id}", s.handleInternalPatchMessage)
	internal("PATCH /internal/threads/{id}", s.handleInternalPatchThread)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, err error) {
	util.LoggerFromContext(r.Context()).Warn("security_event",
		"event", "auth_rejected",
		"path", r.URL.Path,
		"client_ip", util.ClientIP(r, nil),
		"err", err,
	)
	s.metrics.Rejected(chatapi.ErrorUnauthorized)
	writeError(w, http.StatusUnauthorized, chatapi.ErrorUnauthorized, "unauthorized")
}

func userID(r *http.Request) string {
	id, _ := usertoken.UserFromContext(r.Context())
	return id
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var thread domain.Thread
	if !decodeBody(w, r, &thread) {
		return
	}
	out, created, err := s.app.CreateThread(r.Context(), userID(r), thread)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, storeclient.CreateThreadResponse{Created: created, Thread: out})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, err := s.app.GetThread(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handlePatchThread(w http.ResponseWriter, r *http.Request) {
	var patch domain.ThreadPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	thread, err := s.app.PatchThread(r.Context(), userID(r), r.PathValue("id"), patch)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.app.ListMessages(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, storeclient.MessagesBody{Messages: msgs})
}

func (s *Server) handleInsertMessages(w http.ResponseWriter, r *http.Request) {
	var body storeclient.MessagesBody
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.app.InsertMessages(r.Context(), userID(r), r.PathValue("id"), body.Messages); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.app.GetMessage(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handlePatchMessage(w http.ResponseWriter, r *http.Request) {
	var patch domain.MessagePatch
	if !decodeBody(w, r, &patch) {
		return
	}
	applied, err := s.app.PatchMessage(r.Context(), userID(r), r.PathValue("id"), patch)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, storeclient.PatchResult{Applied: applied})
}

func (s *Server) handleInsertAttachments(w http.ResponseWriter, r *http.Request) {
	var body storeclient.AttachmentsBody
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.app.InsertAttachments(r.Context(), userID(r), r.PathValue("id"), body.Attachments); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, chatapi.ErrorInvalidRequest, "ids is required")
		return
	}
	items, err := s.app.ListAttachments(r.Context(), userID(r), ids)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if items == nil {
		items = []domain.Attachment{}
	}
	writeJSON(w, http.StatusOK, storeclient.AttachmentsBody{Attachments: items})
}

func (s *Server) handleInternalGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.app.GetMessageInternal(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleInternalPatchMessage(w http.ResponseWriter, r *http.Request) {
	var patch domain.MessagePatch
	if !decodeBody(w, r, &patch) {
		return
	}
	applied, err := s.app.PatchMessageInternal(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, storeclient.PatchResult{Applied: applied})
}

func (s *Server) handleInternalPatchThread(w http.ResponseWriter, r *http.Request) {
	var patch domain.ThreadPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	thread, err := s.app.PatchThreadInternal(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, chatapi.ErrorInvalidRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, chatapi.ErrorBody{Type: errType, Message: msg})
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrThreadNotFound):
		writeError(w, http.StatusNotFound, chatapi.ErrorThreadNotFound, "thread not found")
	case errors.Is(err, store.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, chatapi.ErrorMessageNotFound, "message not found")
	case errors.Is(err, store.ErrInvalidMessage), errors.Is(err, app.ErrInvalidRequest), errors.Is(err, app.ErrMixedThreads):
		writeError(w, http.StatusBadRequest, chatapi.ErrorInvalidRequest, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("store request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, chatapi.ErrorInternal, "internal error")
	}
}
