// Package proactive schedules self-initiated messages per session: a
// random-interval timer armed on each user message, gated by quiet hours
// and an unanswered-message cap, with state persisted across restarts.
package proactive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cerise-ai/cerise/internal/dialogue"
	"github.com/cerise-ai/cerise/internal/events"
	"github.com/cerise-ai/cerise/internal/state"
)

// AutoTriggerConfig arms a first timer for allowlisted sessions that have
// no recorded activity.
type AutoTriggerConfig struct {
	Enabled      bool `yaml:"enabled"`
	AfterMinutes int  `yaml:"after_minutes"`
}

// Config is the proactive chat configuration.
type Config struct {
	Enabled            bool   `yaml:"enabled"`
	MinIntervalMinutes int    `yaml:"min_interval_minutes"`
	MaxIntervalMinutes int    `yaml:"max_interval_minutes"`
	QuietHours         string `yaml:"quiet_hours"`
	MaxUnansweredTimes int    `yaml:"max_unanswered_times"`
	Timezone           string `yaml:"timezone"`

	// PromptTemplate supports {{current_time}} and {{unanswered_count}}.
	PromptTemplate string `yaml:"prompt_template"`

	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`

	// ApplyToAll covers every session; otherwise only Sessions are covered.
	ApplyToAll bool     `yaml:"apply_to_all"`
	Sessions   []string `yaml:"sessions"`

	AutoTrigger AutoTriggerConfig `yaml:"auto_trigger"`
}

// DefaultConfig returns a disabled scheduler with sane intervals.
func DefaultConfig() Config {
	return Config{
		MinIntervalMinutes: 30,
		MaxIntervalMinutes: 120,
		MaxUnansweredTimes: 3,
		ApplyToAll:         true,
		PromptTemplate: "It is {{current_time}} and the user has been quiet; you have reached out " +
			"{{unanswered_count}} times without a reply. Start a brief, natural check-in.",
	}
}

// SessionState is the persisted per-session scheduler state.
type SessionState struct {
	LastUserAt      *time.Time `json:"last_user_at,omitempty"`
	UnansweredCount int        `json:"unanswered_count"`
	NextTriggerAt   *time.Time `json:"next_trigger_at,omitempty"`
}

// Service is the proactive chat scheduler.
type Service struct {
	cfg    Config
	engine *dialogue.Engine
	bus    *events.Bus
	ns     *state.Namespace
	logger *slog.Logger
	loc    *time.Location

	mu     sync.Mutex
	timers map[string]*time.Timer
	subID  int
	subbed bool

	now     func() time.Time
	randInt func(min, max int) int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRandInt injects the interval sampler, for tests.
func WithRandInt(fn func(min, max int) int) Option {
	return func(s *Service) { s.randInt = fn }
}

// NewService creates a proactive scheduler. ns persists per-session state;
// it may be nil for a purely in-memory scheduler.
func NewService(cfg Config, engine *dialogue.Engine, bus *events.Bus, ns *state.Namespace, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		engine: engine,
		bus:    bus,
		ns:     ns,
		timers: make(map[string]*time.Timer),
		now:    time.Now,
		randInt: func(min, max int) int {
			if max <= min {
				return min
			}
			return min + rand.Intn(max-min+1)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "proactive")
	s.loc = time.Local
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			s.loc = loc
		} else {
			s.logger.Warn("invalid timezone, using local", "timezone", cfg.Timezone, "error", err)
		}
	}
	return s
}

// Start subscribes to user messages, restores persisted timers, and arms
// auto-trigger timers for inactive allowlisted sessions.
func (s *Service) Start() {
	if !s.cfg.Enabled {
		return
	}
	if s.bus != nil {
		s.subID = s.bus.Subscribe(events.TypeDialogueUserMessage, s.onUserMessage)
		s.subbed = true
	}
	s.restore()
	s.autoTrigger()
}

// Stop cancels every armed timer and detaches from the bus. Idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	subbed := s.subbed
	s.subbed = false
	s.mu.Unlock()
	if subbed && s.bus != nil {
		s.bus.Unsubscribe(s.subID)
	}
}

// State returns the persisted scheduler state for a session.
func (s *Service) State(sessionID string) (SessionState, bool) {
	return s.loadState(sessionID)
}

// Scheduled reports whether a timer is armed for the session.
func (s *Service) Scheduled(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[sessionID]
	return ok
}

func (s *Service) onUserMessage(ctx context.Context, ev *events.Event) error {
	sessionID, _ := ev.Data["session_id"].(string)
	if sessionID == "" || !s.covers(sessionID) {
		return nil
	}

	now := s.now().UTC()
	delay := time.Duration(s.randInt(s.cfg.MinIntervalMinutes, s.cfg.MaxIntervalMinutes)) * time.Minute
	trigger := now.Add(delay)

	st, _ := s.loadState(sessionID)
	st.LastUserAt = &now
	st.UnansweredCount = 0
	st.NextTriggerAt = &trigger
	s.saveState(sessionID, st)

	s.arm(sessionID, delay)
	s.logger.Debug("proactive timer armed", "session", sessionID, "delay", delay)
	return nil
}

// covers reports whether the scheduler manages this session.
func (s *Service) covers(sessionID string) bool {
	if s.cfg.ApplyToAll {
		return true
	}
	for _, id := range s.cfg.Sessions {
		if id == sessionID {
			return true
		}
	}
	return false
}

// arm replaces the session's timer. Cancelling a missing timer is a no-op.
func (s *Service) arm(sessionID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[sessionID]; ok {
		timer.Stop()
	}
	s.timers[sessionID] = time.AfterFunc(delay, func() { s.trigger(sessionID) })
}

// trigger fires one proactive attempt for a session.
func (s *Service) trigger(sessionID string) {
	s.mu.Lock()
	delete(s.timers, sessionID)
	s.mu.Unlock()

	st, _ := s.loadState(sessionID)
	now := s.now()

	if s.cfg.MaxUnansweredTimes > 0 && st.UnansweredCount >= s.cfg.MaxUnansweredTimes {
		// The user has gone silent; stay quiet until they speak again.
		st.NextTriggerAt = nil
		s.saveState(sessionID, st)
		s.logger.Info("proactive suppressed, unanswered cap reached",
			"session", sessionID, "count", st.UnansweredCount)
		return
	}

	if window, ok := parseQuietHours(s.cfg.QuietHours); ok && window.contains(now.In(s.loc)) {
		delay := window.nextEnd(now.In(s.loc)).Sub(now)
		trigger := now.UTC().Add(delay)
		st.NextTriggerAt = &trigger
		s.saveState(sessionID, st)
		s.arm(sessionID, delay)
		s.logger.Info("proactive deferred to quiet-hours end", "session", sessionID, "delay", delay)
		return
	}

	prompt := s.renderPrompt(now, st.UnansweredCount)
	params := &dialogue.ChatParams{
		Provider:    s.cfg.Provider,
		Model:       s.cfg.Model,
		Temperature: s.cfg.Temperature,
	}
	if _, err := s.engine.ProactiveChat(context.Background(), sessionID, prompt, params); err != nil {
		s.logger.Error("proactive chat failed", "session", sessionID, "error", err)
	} else {
		st.UnansweredCount++
	}

	delay := time.Duration(s.randInt(s.cfg.MinIntervalMinutes, s.cfg.MaxIntervalMinutes)) * time.Minute
	trigger := s.now().UTC().Add(delay)
	st.NextTriggerAt = &trigger
	s.saveState(sessionID, st)
	s.arm(sessionID, delay)
}

func (s *Service) renderPrompt(now time.Time, unanswered int) string {
	prompt := s.cfg.PromptTemplate
	if prompt == "" {
		prompt = DefaultConfig().PromptTemplate
	}
	prompt = strings.ReplaceAll(prompt, "{{current_time}}", now.In(s.loc).Format("2006-01-02 15:04"))
	prompt = strings.ReplaceAll(prompt, "{{unanswered_count}}", strconv.Itoa(unanswered))
	return prompt
}

// restore re-arms timers persisted before the last shutdown. Triggers in
// the past fire after a short grace delay.
func (s *Service) restore() {
	if s.ns == nil {
		return
	}
	now := s.now().UTC()
	for _, key := range s.ns.Keys("sessions") {
		sessionID := key
		st, ok := s.loadState(sessionID)
		if !ok || st.NextTriggerAt == nil {
			continue
		}
		delay := st.NextTriggerAt.Sub(now)
		if delay < time.Minute {
			delay = time.Minute
		}
		s.arm(sessionID, delay)
		s.logger.Info("proactive timer restored", "session", sessionID, "delay", delay)
	}
}

// autoTrigger arms a first timer for allowlisted sessions with no history.
func (s *Service) autoTrigger() {
	if !s.cfg.AutoTrigger.Enabled || s.cfg.AutoTrigger.AfterMinutes <= 0 {
		return
	}
	delay := time.Duration(s.cfg.AutoTrigger.AfterMinutes) * time.Minute
	for _, sessionID := range s.cfg.Sessions {
		if _, ok := s.loadState(sessionID); ok {
			continue
		}
		trigger := s.now().UTC().Add(delay)
		s.saveState(sessionID, SessionState{NextTriggerAt: &trigger})
		s.arm(sessionID, delay)
	}
}

func (s *Service) loadState(sessionID string) (SessionState, bool) {
	if s.ns == nil {
		return SessionState{}, false
	}
	raw, ok := s.ns.Get("sessions." + sessionID)
	if !ok {
		return SessionState{}, false
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return SessionState{}, false
	}
	var st SessionState
	if err := json.Unmarshal(encoded, &st); err != nil {
		s.logger.Warn("corrupt proactive state dropped", "session", sessionID, "error", err)
		return SessionState{}, false
	}
	return st, true
}

func (s *Service) saveState(sessionID string, st SessionState) {
	if s.ns == nil {
		return
	}
	encoded, err := json.Marshal(st)
	if err != nil {
		return
	}
	var generic map[string]any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return
	}
	if err := s.ns.Set("sessions."+sessionID, generic); err != nil {
		s.logger.Warn("proactive state not persisted", "session", sessionID, "error", err)
	}
}

// quietWindow is the parsed [start, end) wall-clock hour window.
type quietWindow struct {
	start int
	end   int
}

// parseQuietHours parses "HH-HH". Malformed strings, out-of-range hours,
// and the degenerate "0-24"/equal-hours forms mean no quiet window.
func parseQuietHours(spec string) (quietWindow, bool) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return quietWindow{}, false
	}
	first, second, found := strings.Cut(spec, "-")
	if !found {
		return quietWindow{}, false
	}
	start, err1 := strconv.Atoi(strings.TrimSpace(first))
	end, err2 := strconv.Atoi(strings.TrimSpace(second))
	if err1 != nil || err2 != nil {
		return quietWindow{}, false
	}
	if start < 0 || start > 24 || end < 0 || end > 24 {
		return quietWindow{}, false
	}
	start, end = start%24, end%24
	if start == end {
		return quietWindow{}, false
	}
	return quietWindow{start: start, end: end}, true
}

// contains reports whether t's wall-clock hour falls in the window,
// wrapping midnight when start > end.
func (w quietWindow) contains(t time.Time) bool {
	h := t.Hour()
	if w.start < w.end {
		return h >= w.start && h < w.end
	}
	return h >= w.start || h < w.end
}

// nextEnd returns the next wall-clock moment the window ends.
func (w quietWindow) nextEnd(t time.Time) time.Time {
	end := time.Date(t.Year(), t.Month(), t.Day(), w.end, 0, 0, 0, t.Location())
	if !end.After(t) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

// String renders the window for logs.
func (w quietWindow) String() string {
	return fmt.Sprintf("%02d-%02d", w.start, w.end)
}
