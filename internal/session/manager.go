// Package session tracks the demux pipelines running for live ingest
// streams, keyed by stream key.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/avdemux/internal/pipeline"
)

// Session is one running pipeline.
type Session struct {
	Key       string
	Source    string
	StartedAt time.Time
	Pipeline  *pipeline.Pipeline

	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed when the session is removed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Manager holds the active sessions.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager returns an empty Manager. A nil log uses slog.Default().
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*Session),
	}
}

// Create registers p under key. cancel stops the pipeline and may be nil.
// It returns false if key is already active.
func (m *Manager) Create(key, source string, p *pipeline.Pipeline, cancel context.CancelFunc) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[key]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "key", key)
		return nil, false
	}
	s := &Session{
		Key:       key,
		Source:    source,
		StartedAt: time.Now(),
		Pipeline:  p,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.sessions[key] = s
	m.log.Info("session created", "key", key, "source", source)
	return s, true
}

// Remove drops the session for key.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("session removed", "key", key, "uptime_ms", time.Since(s.StartedAt).Milliseconds())
	}
}

// Stop cancels the pipeline of key. It reports whether key was active.
func (m *Manager) Stop(key string) bool {
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if ok && s.cancel != nil {
		s.cancel()
	}
	return ok
}

// Get returns the session for key.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// List returns the active sessions ordered by key.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// LogStats writes one line per active session with its port counters.
func (m *Manager) LogStats() {
	for _, s := range m.List() {
		if s.Pipeline == nil {
			continue
		}
		st := s.Pipeline.Stats()
		attrs := []any{"key", s.Key, "uptime_ms", st.Uptime.Milliseconds()}
		for _, ps := range st.Ports {
			attrs = append(attrs, ps.Name, ps.Packets)
		}
		m.log.Info("session stats", attrs...)
	}
}
