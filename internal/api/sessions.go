package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/listing-import/internal/importer"
	"github.com/ignite/listing-import/internal/pkg/logger"
	"github.com/ignite/listing-import/internal/storage"
)

// sessionGauge receives the live session count.
type sessionGauge interface {
	SetActiveSessions(n int)
}

type sessionEntry struct {
	session *importer.Session
	blobKey string
}

// SessionManager holds import sessions in memory and expires idle ones.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	pipeline *importer.Pipeline
	store    storage.BlobStore
	ttl      time.Duration
	gauge    sessionGauge
	now      func() time.Time
}

func NewSessionManager(p *importer.Pipeline, store storage.BlobStore, ttl time.Duration) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*sessionEntry),
		pipeline: p,
		store:    store,
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetGauge installs g to track the session count.
func (m *SessionManager) SetGauge(g sessionGauge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauge = g
	g.SetActiveSessions(len(m.sessions))
}

func (m *SessionManager) Create() *importer.Session {
	s := importer.NewSession(uuid.New().String(), m.pipeline)
	m.mu.Lock()
	m.sessions[s.ID] = &sessionEntry{session: s}
	m.reportLocked()
	m.mu.Unlock()
	logger.Info("[API] import session created", "session_id", s.ID)
	return s
}

func (m *SessionManager) Get(id string) (*importer.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e.session, nil
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SetBlob records the stored upload for id and returns the key it replaces.
func (m *SessionManager) SetBlob(id, key string) (previous string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[id]; ok {
		previous, e.blobKey = e.blobKey, key
	}
	return previous
}

// Delete resets and forgets a session, removing its stored upload.
func (m *SessionManager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		m.reportLocked()
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	e.session.Reset()
	m.deleteBlob(ctx, e.blobKey)
	logger.Info("[API] import session deleted", "session_id", id)
	return nil
}

// Sweep removes sessions idle for longer than the TTL. Sessions with a
// running operation are kept.
func (m *SessionManager) Sweep(ctx context.Context) int {
	if m.ttl <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	var expired []*sessionEntry
	for id, e := range m.sessions {
		snap := e.session.Snapshot()
		if snap.Busy == "" && snap.UpdatedAt.Before(cutoff) {
			expired = append(expired, e)
			delete(m.sessions, id)
		}
	}
	if len(expired) > 0 {
		m.reportLocked()
	}
	m.mu.Unlock()

	for _, e := range expired {
		e.session.Reset()
		m.deleteBlob(ctx, e.blobKey)
	}
	if len(expired) > 0 {
		logger.Info("[API] expired import sessions", "count", len(expired))
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (m *SessionManager) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep(ctx)
		}
	}
}

func (m *SessionManager) deleteBlob(ctx context.Context, key string) {
	if key == "" || m.store == nil {
		return
	}
	if err := m.store.Delete(ctx, key); err != nil {
		logger.Warn("[API] failed to delete upload", "key", key, "error", err)
	}
}

func (m *SessionManager) reportLocked() {
	if m.gauge != nil {
		m.gauge.SetActiveSessions(len(m.sessions))
	}
}
