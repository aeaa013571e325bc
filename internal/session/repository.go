package session

import (
	"context"
	"sync"
)

// Repository is the durable store for sessions, tasks, artifacts and
// messages. Each call is its own short transaction.
type Repository interface {
	CreateSession(ctx context.Context, s SessionRecord) error
	SetSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error
	SaveTasks(ctx context.Context, sessionID string, tasks []Task) error
	UpdateTask(ctx context.Context, sessionID string, t Task) error
	SaveArtifacts(ctx context.Context, sessionID string, artifacts []Artifact) error
	AppendMessage(ctx context.Context, m MessageRecord) error
}

// MemoryRepository keeps everything in process. It backs deployments without
// PostgreSQL and the tests.
type MemoryRepository struct {
	mu        sync.Mutex
	sessions  map[string]SessionRecord
	tasks     map[string][]Task
	artifacts map[string][]Artifact
	messages  map[string][]MessageRecord
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions:  make(map[string]SessionRecord),
		tasks:     make(map[string][]Task),
		artifacts: make(map[string][]Artifact),
		messages:  make(map[string][]MessageRecord),
	}
}

func (m *MemoryRepository) CreateSession(_ context.Context, s SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryRepository) SetSessionStatus(_ context.Context, sessionID string, status SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	s.ID = sessionID
	s.Status = status
	m.sessions[sessionID] = s
	return nil
}

func (m *MemoryRepository) SaveTasks(_ context.Context, sessionID string, tasks []Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Task, len(tasks))
	for i, t := range tasks {
		cp[i] = t.clone()
	}
	m.tasks[sessionID] = cp
	return nil
}

func (m *MemoryRepository) UpdateTask(_ context.Context, sessionID string, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.tasks[sessionID]
	for i := range list {
		if list[i].ID == t.ID {
			list[i] = t.clone()
			return nil
		}
	}
	m.tasks[sessionID] = append(list, t.clone())
	return nil
}

func (m *MemoryRepository) SaveArtifacts(_ context.Context, sessionID string, artifacts []Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[sessionID] = append(m.artifacts[sessionID], artifacts...)
	return nil
}

func (m *MemoryRepository) AppendMessage(_ context.Context, msg MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ThreadID] = append(m.messages[msg.ThreadID], msg)
	return nil
}

// Session returns the stored session header.
func (m *MemoryRepository) Session(id string) (SessionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Tasks returns a copy of the stored tasks of a session.
func (m *MemoryRepository) Tasks(sessionID string) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, len(m.tasks[sessionID]))
	for i, t := range m.tasks[sessionID] {
		out[i] = t.clone()
	}
	return out
}

// Artifacts returns the stored artifacts of a session.
func (m *MemoryRepository) Artifacts(sessionID string) []Artifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Artifact(nil), m.artifacts[sessionID]...)
}

// Messages returns the stored messages of a thread.
func (m *MemoryRepository) Messages(threadID string) []MessageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MessageRecord(nil), m.messages[threadID]...)
}

var _ Repository = (*MemoryRepository)(nil)
