// Package agents implements the multi-agent inbox-and-wakeup facility:
// lightweight sub-agents with a capped message log, an inbox of pending
// user messages, and a wakeup cycle that drains the inbox through the
// dialogue engine.
package agents

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cerise-ai/cerise/internal/cerr"
	"github.com/cerise-ai/cerise/internal/dialogue"
	"github.com/cerise-ai/cerise/internal/events"
	"github.com/cerise-ai/cerise/internal/state"
	"github.com/cerise-ai/cerise/pkg/models"
)

// messageLogCap bounds each agent's message log.
const messageLogCap = 200

// WakeupParams overrides provider settings for one wakeup cycle.
type WakeupParams struct {
	Provider    string
	Model       string
	Temperature float32
}

// Service manages sub-agents. Agent metadata and message logs live in
// memory; inboxes live in the state store so pending messages survive
// restarts and drains stay atomic.
type Service struct {
	engine *dialogue.Engine
	ns     *state.Namespace
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	agents   map[string]*models.Agent
	messages map[string][]*models.AgentMessage

	now func() time.Time
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

// NewService creates an agent service. ns holds the persistent inboxes;
// when nil, a memory-only store backs them.
func NewService(engine *dialogue.Engine, ns *state.Namespace, bus *events.Bus, opts ...Option) *Service {
	if ns == nil {
		store, _ := state.Open("", nil)
		ns = store.Namespace("agents")
	}
	s := &Service{
		engine:   engine,
		ns:       ns,
		bus:      bus,
		agents:   make(map[string]*models.Agent),
		messages: make(map[string][]*models.AgentMessage),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "agents")
	return s
}

// Create registers an agent. An empty id gets a generated UUID; a taken id
// is rejected.
func (s *Service) Create(id, name, parentID string) (*models.Agent, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if strings.ContainsAny(id, ". \t\n") {
		return nil, cerr.InvalidArgument("agent id %q contains reserved characters", id)
	}
	s.mu.Lock()
	if _, exists := s.agents[id]; exists {
		s.mu.Unlock()
		return nil, cerr.Wrap(cerr.ErrFailedPrecondition, "agent %q already exists", id)
	}
	agent := &models.Agent{ID: id, Name: name, ParentID: parentID, CreatedAt: s.now().UTC()}
	s.agents[id] = agent
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.PublishSync(events.NewAgentCreated(id, name, parentID, "agents"))
	}
	out := *agent
	return &out, nil
}

// Get returns an agent by id.
func (s *Service) Get(id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, cerr.NotFound("agent %q", id)
	}
	out := *agent
	return &out, nil
}

// List returns all agents sorted by creation time.
func (s *Service) List() []*models.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		clone := *agent
		out = append(out, &clone)
	}
	sortAgents(out)
	return out
}

// Send appends a message to the agent's log. User messages additionally
// enqueue to the inbox for the next wakeup.
func (s *Service) Send(agentID string, role models.Role, content string) (*models.AgentMessage, error) {
	if _, err := s.Get(agentID); err != nil {
		return nil, err
	}
	msg := s.appendMessage(agentID, role, content)
	if role == models.RoleUser {
		if err := s.enqueue(agentID, content); err != nil {
			return nil, err
		}
	}
	if s.bus != nil {
		s.bus.PublishSync(events.NewAgentMessageCreated(agentID, msg.ID, string(role), "agents"))
	}
	out := *msg
	return &out, nil
}

// Messages returns the agent's message log, oldest first.
func (s *Service) Messages(agentID string) ([]*models.AgentMessage, error) {
	if _, err := s.Get(agentID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.messages[agentID]
	out := make([]*models.AgentMessage, len(log))
	for i, msg := range log {
		clone := *msg
		out[i] = &clone
	}
	return out, nil
}

// Wakeup atomically drains the agent's inbox and runs the pending messages
// through the dialogue engine as one turn. Returns nil when the inbox is
// empty.
func (s *Service) Wakeup(ctx context.Context, agentID string, params *WakeupParams) (*models.AgentMessage, error) {
	if _, err := s.Get(agentID); err != nil {
		return nil, err
	}

	pending, err := s.drain(agentID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	started := s.now()
	if s.bus != nil {
		s.bus.PublishSync(events.NewAgentWakeupStarted(agentID, len(pending), "agents"))
	}

	chatParams := &dialogue.ChatParams{}
	if params != nil {
		chatParams.Provider = params.Provider
		chatParams.Model = params.Model
		chatParams.Temperature = params.Temperature
	}
	reply, err := s.engine.Chat(ctx, agentSessionID(agentID), strings.Join(pending, "\n\n"), chatParams)
	if err != nil {
		return nil, err
	}

	msg := s.appendMessage(agentID, models.RoleAssistant, reply)
	if s.bus != nil {
		s.bus.PublishSync(events.NewAgentMessageCreated(agentID, msg.ID, string(models.RoleAssistant), "agents"))
		s.bus.PublishSync(events.NewAgentWakeupCompleted(agentID, s.now().Sub(started).Milliseconds(), "agents"))
	}
	out := *msg
	return &out, nil
}

// Pending returns the number of undrained inbox messages.
func (s *Service) Pending(agentID string) int {
	return len(s.inbox(agentID))
}

// agentSessionID namespaces the dialogue session so agent turns never mix
// with user-facing sessions.
func agentSessionID(agentID string) string {
	return "agent:" + agentID
}

func (s *Service) appendMessage(agentID string, role models.Role, content string) *models.AgentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := &models.AgentMessage{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Role:      role,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	log := append(s.messages[agentID], msg)
	if len(log) > messageLogCap {
		log = log[len(log)-messageLogCap:]
	}
	s.messages[agentID] = log
	return msg
}

// enqueue appends one content string to the persistent inbox.
func (s *Service) enqueue(agentID, content string) error {
	return s.ns.Mutate(inboxKey(agentID), func(current any) (any, error) {
		items, _ := current.([]any)
		return append(items, content), nil
	})
}

// drain atomically reads and clears the inbox.
func (s *Service) drain(agentID string) ([]string, error) {
	var drained []string
	err := s.ns.Mutate(inboxKey(agentID), func(current any) (any, error) {
		for _, item := range toAnySlice(current) {
			if text, ok := item.(string); ok {
				drained = append(drained, text)
			}
		}
		return []any{}, nil
	})
	if err != nil {
		return nil, err
	}
	return drained, nil
}

func (s *Service) inbox(agentID string) []string {
	raw, _ := s.ns.Get(inboxKey(agentID))
	var out []string
	for _, item := range toAnySlice(raw) {
		if text, ok := item.(string); ok {
			out = append(out, text)
		}
	}
	return out
}

func inboxKey(agentID string) string {
	return "inbox." + agentID
}

func toAnySlice(v any) []any {
	items, _ := v.([]any)
	return items
}

func sortAgents(agents []*models.Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
}
