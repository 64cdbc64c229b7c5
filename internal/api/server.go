package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"annotalk/internal/acceptability"
	"annotalk/internal/botagent"
	"annotalk/internal/botengine"
	"annotalk/internal/chat"
	"annotalk/internal/config"
	"annotalk/internal/message"
	"annotalk/internal/onboarding"
	"annotalk/internal/qualify"
	"annotalk/internal/stats"
	"annotalk/internal/storage"
	"annotalk/internal/transcript"
)

const maxRequestBodySize = 1 << 20 // 1MB

// gradeWait bounds how long a submission handler waits for the onboarding
// state machine to grade and report back.
const gradeWait = 30 * time.Second

// Deps holds the collaborators of the HTTP surface.
type Deps struct {
	Store           *storage.Store
	Sink            *transcript.Sink
	Engine          botengine.Engine
	Gate            *qualify.Gate
	Roster          *stats.Roster
	RunStats        *stats.RunStats
	OnboardOutcomes *stats.Histogram
	Contexts        *chat.ContextPool
	Task            onboarding.Task
	Cfg             config.Config
	// AnnotationsConfig is echoed into transcripts and served to the
	// annotation UI.
	AnnotationsConfig []byte
	Token             string
}

// Server hosts the active onboarding sessions and conversations. Each
// conversation runs its own world goroutine; handlers only feed and drain the
// LiveAgents.
type Server struct {
	deps      Deps
	admission *semaphore.Weighted
	screener  *acceptability.Checker
	baseCtx   context.Context

	mu            sync.Mutex
	conversations map[string]*conversationSession
	onboardings   map[string]*onboardingSession
}

type conversationSession struct {
	id      string
	botName string
	human   *LiveAgent
	world   *chat.World
	cancel  context.CancelFunc

	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (s *conversationSession) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *conversationSession) lastErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

type onboardingSession struct {
	workerID string
	agent    *LiveAgent
	world    *onboarding.World
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewServer creates a Server. Session goroutines inherit ctx; canceling it
// tears down all in-flight conversations.
func NewServer(ctx context.Context, deps Deps) *Server {
	return &Server{
		deps:          deps,
		admission:     semaphore.NewWeighted(int64(deps.Cfg.Bot.MaxConcurrency)),
		screener:      acceptability.NewChecker(),
		baseCtx:       ctx,
		conversations: make(map[string]*conversationSession),
		onboardings:   make(map[string]*onboardingSession),
	}
}

// Handler returns the chi router for the worker-facing API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if s.deps.Token != "" {
		r.Use(BearerAuth(s.deps.Token))
	}

	r.Post("/onboarding/{workerID}", s.handleOnboardingSubmit)
	r.Post("/conversations", s.handleCreateConversation)
	r.Get("/conversations/{id}/messages", s.handleGetMessages)
	r.Post("/conversations/{id}/messages", s.handlePostMessage)
	r.Get("/stats", s.handleStats)

	return r
}

// handleOnboardingSubmit accepts a worker's graded-dialog submission, runs it
// through the onboarding state machine, and returns the terminal status.
func (s *Server) handleOnboardingSubmit(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var msg message.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	msg.ID = workerID

	sess := s.startOnboarding(workerID)
	if err := sess.agent.Submit(msg); err != nil {
		httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
		return
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), gradeWait)
	defer cancel()
	if err := sess.agent.WaitObserve(waitCtx); err != nil {
		httpError(w, http.StatusGatewayTimeout, "api_error", "grading did not complete: %v", err)
		return
	}

	// Grading is done; release the session instead of holding the
	// post-failure keepalive open for a stateless client.
	sess.cancel()
	status := sess.world.Status()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"worker_id": workerID,
		"status":    status,
	})
}

// startOnboarding returns the worker's active onboarding session, creating
// one and launching its world goroutine if none exists.
func (s *Server) startOnboarding(workerID string) *onboardingSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.onboardings[workerID]; ok {
		select {
		case <-sess.done:
			// Finished session; fall through and start a fresh one.
		default:
			return sess
		}
	}

	agent := NewLiveAgent(workerID)
	world := onboarding.NewWorld(agent, s.deps.Task, onboarding.Config{
		MinCorrect:     s.deps.Cfg.Onboarding.MinCorrect,
		MaxIncorrect:   s.deps.Cfg.Onboarding.MaxIncorrect,
		MaxOnboardTime: s.deps.Cfg.Onboarding.MaxOnboardTime,
	}, s.deps.Gate, s.deps.OnboardOutcomes)

	ctx, cancel := context.WithCancel(s.baseCtx)
	sess := &onboardingSession{
		workerID: workerID,
		agent:    agent,
		world:    world,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.onboardings[workerID] = sess

	go func() {
		defer close(sess.done)
		defer cancel()
		if err := world.Run(ctx); err != nil {
			slog.Error("onboarding session ended with error", "worker_id", workerID, "error", err)
		}
		if err := s.deps.Store.SaveOnboarding(storage.OnboardingResult{
			WorkerID: workerID,
			Status:   world.Status(),
		}); err != nil {
			slog.Error("failed to record onboarding result", "worker_id", workerID, "error", err)
		}
	}()

	return sess
}

type createConversationRequest struct {
	WorkerID     string `json:"worker_id"`
	HITID        string `json:"hit_id"`
	AssignmentID string `json:"assignment_id"`
}

// handleCreateConversation admits a worker, assigns a bot identity, and
// launches the conversation world.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if req.WorkerID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "worker_id is required")
		return
	}

	if blocked, reason, err := s.workerBlocked(req.WorkerID); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "checking qualifications: %v", err)
		return
	} else if blocked {
		httpError(w, http.StatusForbidden, "not_qualified", "worker holds qualification %q", reason)
		return
	}

	botName, err := s.deps.Roster.Pick()
	if errors.Is(err, stats.ErrNoBotsAvailable) {
		httpError(w, http.StatusConflict, "no_capacity", "no bot identities with remaining need")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "assigning bot: %v", err)
		return
	}

	modelFile, ok := s.deps.Cfg.Bot.ModelFiles[botName]
	if !ok {
		s.deps.Roster.Release(botName)
		httpError(w, http.StatusInternalServerError, "api_error", "no model file configured for bot %q", botName)
		return
	}

	ctxInfo := s.deps.Contexts.Next()
	human := NewLiveAgent(req.WorkerID)
	bot := botagent.New(botName, modelFile, s.deps.Engine, s.admission)

	conversationID := uuid.New().String()
	world := chat.NewWorld(conversationID, chat.Config{
		NumTurns:           s.deps.Cfg.Task.NumTurns,
		MaxRespTime:        s.deps.Cfg.Task.MaxRespTime,
		StartMode:          chat.StartMode(s.deps.Cfg.Task.ConversationStartMode),
		IncludePersona:     s.deps.Cfg.Task.IncludePersona,
		CheckAcceptability: s.deps.Cfg.Task.CheckAcceptability,
		AnnotationsConfig:  s.deps.AnnotationsConfig,
		HITID:              req.HITID,
		AssignmentID:       req.AssignmentID,
	}, chat.Deps{
		Human:        human,
		Bot:          bot,
		Context:      &ctxInfo,
		Screener:     s.screener,
		Gate:         s.deps.Gate,
		Sink:         s.deps.Sink,
		Recorder:     runIndex{store: s.deps.Store},
		RunStats:     s.deps.RunStats,
		BotName:      botName,
		BotModelFile: modelFile,
		BotModelOpt: map[string]any{
			"provider":        s.deps.Cfg.Bot.Provider,
			"base_url":        s.deps.Cfg.Bot.BaseURL,
			"model_file":      modelFile,
			"max_concurrency": s.deps.Cfg.Bot.MaxConcurrency,
		},
	})

	ctx, cancel := context.WithCancel(s.baseCtx)
	sess := &conversationSession{
		id:      conversationID,
		botName: botName,
		human:   human,
		world:   world,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.conversations[conversationID] = sess
	s.mu.Unlock()

	go s.runConversation(ctx, sess)

	intro, err := chat.HumanIntro(
		ctxInfo.Persona1Strings, ctxInfo.ContextDataset,
		ctxInfo.AdditionalContext, s.deps.Cfg.Task.NumTurns,
	)
	if err != nil {
		// The pool validated the dataset; an error here is a programming bug.
		slog.Error("rendering worker intro failed", "conversation_id", conversationID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"conversation_id":  conversationID,
		"task_description": intro,
		"num_turns":        s.deps.Cfg.Task.NumTurns,
	})
}

// workerBlocked reports whether the worker holds a disqualifying
// qualification.
func (s *Server) workerBlocked(workerID string) (bool, string, error) {
	for _, qual := range []string{
		s.deps.Cfg.Onboarding.FailQualification,
		s.deps.Cfg.Onboarding.BlockQualification,
	} {
		held, err := s.deps.Store.HasQualification(workerID, qual)
		if err != nil {
			return false, "", err
		}
		if held {
			return true, qual, nil
		}
	}
	return false, "", nil
}

// runConversation drives one world from start to persisted transcript.
func (s *Server) runConversation(ctx context.Context, sess *conversationSession) {
	defer close(sess.done)
	defer sess.cancel()

	logger := slog.With("conversation_id", sess.id, "bot", sess.botName)

	for !sess.world.IsDone() {
		if err := sess.world.Advance(ctx); err != nil {
			logger.Error("conversation aborted", "state", sess.world.State().String(), "error", err)
			sess.setErr(err)
			s.deps.Roster.Release(sess.botName)
			return
		}
	}

	if err := sess.world.FinalizeAndPersist(ctx); err != nil {
		logger.Error("finalizing conversation failed", "error", err)
		sess.setErr(err)
		s.deps.Roster.Release(sess.botName)
		return
	}
	logger.Info("conversation completed", "turns", sess.world.TurnIndex())
}

func (s *Server) conversation(id string) (*conversationSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.conversations[id]
	return sess, ok
}

// handlePostMessage feeds a worker message into the conversation.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.conversation(id)
	if !ok {
		httpError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}

	select {
	case <-sess.done:
		httpError(w, http.StatusConflict, "conversation_over", "conversation has ended")
		return
	default:
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var msg message.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	msg.ID = sess.human.ID()

	if err := sess.human.Submit(msg); err != nil {
		httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// handleGetMessages returns conversation state and the messages observed by
// the worker since the given index.
func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.conversation(id)
	if !ok {
		httpError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}

	since := parseIntParam(r, "since", 0, 0)
	msgs := sess.human.Messages(since)

	resp := map[string]any{
		"state":    sess.world.State().String(),
		"turn_idx": sess.world.TurnIndex(),
		"messages": msgs,
		"next":     since + len(msgs),
	}
	if err := sess.lastErr(); err != nil {
		resp["error"] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleStats reports collection progress.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	onboardingCounts, err := s.deps.Store.OnboardingCounts()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "reading onboarding counts: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"runs":       s.deps.RunStats.Snapshot(),
		"onboarding": onboardingCounts,
		"remaining":  s.deps.Roster.Remaining(),
	})
}

// runIndex adapts the storage layer to chat.RunRecorder.
type runIndex struct {
	store *storage.Store
}

func (r runIndex) RecordRun(ctx context.Context, run chat.RunRecord) error {
	return r.store.SaveRun(storage.Run{
		ConversationID: run.ConversationID,
		BotName:        run.BotName,
		WorkerID:       run.WorkerID,
		FilePath:       run.FilePath,
		Violations:     run.Violations,
		NumTurns:       run.NumTurns,
	})
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
