package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// MemoryStore is an in-process Store for tests and development.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	messages map[string][]*models.Message // thread id -> ordered messages
	agents   map[string]*models.Agent
	versions map[string]*models.AgentVersion
	runs     map[string]*models.AgentRun
	runOrder []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]*models.Thread),
		messages: make(map[string][]*models.Message),
		agents:   make(map[string]*models.Agent),
		versions: make(map[string]*models.AgentVersion),
		runs:     make(map[string]*models.AgentRun),
	}
}

func (s *MemoryStore) CreateThread(_ context.Context, thread *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	cp := *thread
	s.threads[thread.ID] = &cp
	return nil
}

func (s *MemoryStore) GetThread(_ context.Context, id string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *thread
	return &cp, nil
}

func (s *MemoryStore) AddMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	cp := *msg
	s.messages[msg.ThreadID] = append(s.messages[msg.ThreadID], &cp)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, threadID string, filter MessageFilter) (*MessagePage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*models.Message, 0)
	for _, msg := range s.messages[threadID] {
		if filter.LLMOnly && !msg.IsLLM {
			continue
		}
		if len(filter.Types) > 0 && !containsType(filter.Types, msg.Type) {
			continue
		}
		cp := *msg
		matched = append(matched, &cp)
	}

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return &MessagePage{Messages: matched[start:end], Total: total}, nil
}

func containsType(types []models.MessageType, t models.MessageType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CreateAgent(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *agent
	return &cp, nil
}

func (s *MemoryStore) CreateAgentVersion(_ context.Context, version *models.AgentVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}
	cp := *version
	s.versions[version.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAgentVersion(_ context.Context, id string) (*models.AgentVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	version, ok := s.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *version
	return &cp, nil
}

func (s *MemoryStore) SetCurrentVersion(_ context.Context, agentID, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := s.versions[versionID]; !ok {
		return ErrNotFound
	}
	agent.CurrentVersionID = versionID
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CreateRun(_ context.Context, run *models.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	cp := *run
	s.runs[run.ID] = &cp
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*models.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, id string, update RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if update.Status != "" {
		run.Status = update.Status
	}
	if update.Error != "" {
		run.Error = update.Error
	}
	if update.ErrorKind != "" {
		run.ErrorKind = update.ErrorKind
	}
	if update.EndedAt != nil {
		run.EndedAt = update.EndedAt
	}
	if update.InputTokens != nil {
		run.InputTokens = *update.InputTokens
	}
	if update.OutputTokens != nil {
		run.OutputTokens = *update.OutputTokens
	}
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, threadID string) ([]*models.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AgentRun, 0)
	for _, id := range s.runOrder {
		run := s.runs[id]
		if run.ThreadID != threadID {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListRunningRuns(_ context.Context) ([]*models.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AgentRun, 0)
	for _, id := range s.runOrder {
		run := s.runs[id]
		if run.Status != models.RunStatusRunning {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
