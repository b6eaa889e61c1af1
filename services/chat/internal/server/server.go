package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"streamchat/internal/metrics"
	"streamchat/internal/usertoken"
	"streamchat/internal/util"
	"streamchat/pkg/ai"
	"streamchat/pkg/chatapi"
	"streamchat/pkg/resumable"
	"streamchat/services/chat/internal/app"
)

const maxChatBodyBytes = 8 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Users          usertoken.SubjectVerifier
	Metrics        *metrics.Metrics
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app      *app.App
	users    usertoken.SubjectVerifier
	metrics  *metrics.Metrics
	proxies  *util.TrustedProxies
	validate *validator.Validate
	mux      *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:      cfg.App,
		users:    cfg.Users,
		metrics:  cfg.Metrics,
		proxies:  cfg.TrustedProxies,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("chat", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())
	s.mux.Handle("POST "+chatapi.ChatPath, s.withUser(chatapi.ChatPath, s.handleChat))
	s.mux.Handle("GET "+chatapi.StreamsPath+"{id}", s.withUser(chatapi.StreamsPath+"{id}", s.handleResume))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withUser(route string, h http.HandlerFunc) http.Handler {
	return s.metrics.Instrument(route, usertoken.Middleware(s.users, s.reject)(h))
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, err error) {
	util.LoggerFromContext(r.Context()).Warn("security_event",
		"event", "auth_rejected",
		"path", r.URL.Path,
		"client_ip", util.ClientIP(r, s.proxies),
		"err", err,
	)
	s.writeError(w, http.StatusUnauthorized, chatapi.ErrorBody{Type: chatapi.ErrorUnauthorized, Message: "unauthorized"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatapi.ChatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxChatBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, chatapi.ErrorBody{Type: chatapi.ErrorInvalidRequest, Message: "invalid JSON body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, chatapi.ErrorBody{Type: chatapi.ErrorInvalidRequest, Message: validationMessage(err)})
		return
	}
	userID, _ := usertoken.UserFromContext(r.Context())
	gen, err := s.app.Start(r.Context(), userID, req)
	if err != nil {
		s.writeStartError(w, r, err)
		return
	}
	defer gen.Body.Close()

	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set(chatapi.HeaderDataStream, chatapi.DataStreamVersion)
	h.Set(chatapi.HeaderStreamID, gen.StreamID)
	h.Set("Cache-Control", "no-cache")
	s.pipe(w, r, gen.Body)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	body, err := s.app.Resume(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, resumable.ErrStreamNotFound):
		s.writeError(w, http.StatusNotFound, chatapi.ErrorBody{Type: chatapi.ErrorStreamNotFound, Message: "no active stream"})
		return
	case errors.Is(err, resumable.ErrResumeUnsupported):
		s.writeError(w, http.StatusNotImplemented, chatapi.ErrorBody{Type: chatapi.ErrorResumeUnsupported, Message: "stream resume is not enabled"})
		return
	case err != nil:
		util.LoggerFromContext(r.Context()).Error("resume failed", "stream_id", r.PathValue("id"), "err", err)
		s.writeError(w, http.StatusInternalServerError, chatapi.ErrorBody{Type: chatapi.ErrorInternal, Message: "internal error"})
		return
	}
	defer body.Close()
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set(chatapi.HeaderDataStream, chatapi.DataStreamVersion)
	h.Set(chatapi.HeaderStreamID, r.PathValue("id"))
	h.Set("Cache-Control", "no-cache")
	s.pipe(w, r, body)
}

// pipe copies frames to the client as they arrive. Streams outlive the
// server's write timeout, so the deadline is lifted for this response.
func (s *Server) pipe(w http.ResponseWriter, r *http.Request, body io.Reader) {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			_ = rc.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && r.Context().Err() == nil {
				util.LoggerFromContext(r.Context()).Warn("stream ended with error", "err", err)
			}
			return
		}
	}
}

func (s *Server) writeStartError(w http.ResponseWriter, r *http.Request, err error) {
	var missing *ai.MissingKeyError
	var limited *app.RateLimitError
	switch {
	case errors.As(err, &missing):
		s.writeError(w, http.StatusBadRequest, chatapi.ErrorBody{
			Type:     chatapi.ErrorMissingKey,
			Message:  fmt.Sprintf("Add an API key for %s to use this model.", missing.Provider),
			SetupURL: missing.SetupURL,
		})
	case errors.Is(err, ai.ErrUnknownModel):
		s.writeError(w, http.StatusBadRequest, chatapi.ErrorBody{Type: chatapi.ErrorUnknownModel, Message: err.Error()})
	case errors.As(err, &limited):
		secs := int(math.Ceil(limited.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		s.writeError(w, http.StatusTooManyRequests, chatapi.ErrorBody{Type: chatapi.ErrorRateLimited, Message: "too many requests"})
	case errors.Is(err, app.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, chatapi.ErrorBody{Type: chatapi.ErrorInvalidRequest, Message: err.Error()})
	default:
		util.LoggerFromContext(r.Context()).Error("chat start failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, chatapi.ErrorBody{Type: chatapi.ErrorInternal, Message: "internal error"})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, body chatapi.ErrorBody) {
	if status < http.StatusInternalServerError {
		s.metrics.Rejected(body.Type)
	}
	writeJSON(w, status, body)
}

// validationMessage reports the first failing field.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "ChatRequest.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return field + " must not be empty"
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
