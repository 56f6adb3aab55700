package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/settings"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Replies    *usecase.ReplyService
	Settings   *settings.Store
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, replies *usecase.ReplyService, st *settings.Store, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Replies: replies, Settings: st, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type historyItem struct {
	Role      string    `json:"role" validate:"required,oneof=system user assistant"`
	Text      string    `json:"text" validate:"required"`
	Timestamp time.Time `json:"timestamp"`
}

type replyRequest struct {
	CallerID     string        `json:"caller_id" validate:"required,max=128"`
	PeerID       string        `json:"peer_id" validate:"max=128"`
	SystemPrompt string        `json:"system_prompt" validate:"max=4000"`
	History      []historyItem `json:"history" validate:"max=100,dive"`
	Text         string        `json:"text" validate:"required,max=4096"`
	Provider     string        `json:"provider" validate:"omitempty,oneof=openrouter aitunnel auto"`
}

type replyMeta struct {
	RequestID string `json:"request_id"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Attempts  int    `json:"attempts"`
	CacheHit  bool   `json:"cache_hit"`
}

type replyResponse struct {
	Reply string    `json:"reply"`
	Meta  replyMeta `json:"meta"`
}

// ReplyHandler generates one assistant reply.
func (s *Server) ReplyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
			writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{Code: "INVALID_ARGUMENT", Message: "not acceptable", Details: map[string]any{"accept": a}}})
			return
		}
		// Cap body size to prevent abuse
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var req replyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}

		history := make([]domain.Message, 0, len(req.History))
		for _, m := range req.History {
			history = append(history, domain.Message{Role: m.Role, Text: m.Text, Timestamp: m.Timestamp})
		}
		res, err := s.Replies.GenerateReply(r.Context(), domain.ReplyRequest{
			CallerID:     req.CallerID,
			PeerID:       req.PeerID,
			SystemPrompt: req.SystemPrompt,
			History:      history,
			UserText:     req.Text,
			Preference:   domain.ProviderID(req.Provider),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, replyResponse{
			Reply: res.Text,
			Meta: replyMeta{
				RequestID: res.Meta.RequestID,
				Provider:  string(res.Meta.Provider),
				Model:     res.Meta.Model,
				LatencyMS: res.Meta.Latency.Milliseconds(),
				Attempts:  res.Meta.Attempts,
				CacheHit:  res.Meta.CacheHit,
			},
		})
	}
}

// SettingsGetHandler exports the current runtime settings snapshot.
func (s *Server) SettingsGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := s.Settings.ExportJSON()
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	}
}

// SettingsPutHandler replaces the runtime settings from the request body. The
// published snapshot, with its new version, is echoed back.
func (s *Server) SettingsPutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: read body: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		snap, err := s.Settings.ImportJSON(body)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("runtime settings imported", "version", snap.Version)
		writeJSON(w, http.StatusOK, snap)
	}
}

// SettingsResetHandler restores the boot defaults.
func (s *Server) SettingsResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := s.Settings.Reset()
		LoggerFrom(r).Info("runtime settings reset", "version", snap.Version)
		writeJSON(w, http.StatusOK, snap)
	}
}

// HealthzHandler reports provider health, circuit states, and cache counters.
// The endpoint itself is 200 whenever the process serves traffic; individual
// provider trouble shows up in the body, not the status code.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Replies.Status())
	}
}

// ReadyzHandler probes the orchestrator's external dependencies.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		report := s.Replies.Status()
		anyUp := len(report.Providers) == 0
		for _, ps := range report.Providers {
			if ps.Health.Status != domain.HealthDown {
				anyUp = true
			}
		}
		checks = append(checks, check{Name: "providers", OK: anyUp})
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
