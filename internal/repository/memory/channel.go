// Package memory implements an in-process signaling channel. It backs tests
// and single-node development where two coordinators share one process.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"secureconnect-callcore/internal/domain"
	"secureconnect-callcore/internal/repository/watch"
)

var errDuplicateSession = errors.New("call session already exists")

type storedSignal struct {
	seq    uint64
	signal domain.Signal
}

// Channel keeps sessions and signals in maps and pushes changes to watchers
type Channel struct {
	mu       sync.RWMutex
	sessions map[string]domain.CallSession
	signals  map[string][]storedSignal
	seq      uint64

	watchMu  sync.Mutex
	sessionW map[string]map[*watch.Watch]struct{}
	signalW  map[string]map[*watch.Watch]struct{}
	incomW   map[string]map[*watch.Watch]struct{}
}

// NewChannel creates an empty channel
func NewChannel() *Channel {
	return &Channel{
		sessions: make(map[string]domain.CallSession),
		signals:  make(map[string][]storedSignal),
		sessionW: make(map[string]map[*watch.Watch]struct{}),
		signalW:  make(map[string]map[*watch.Watch]struct{}),
		incomW:   make(map[string]map[*watch.Watch]struct{}),
	}
}

// CreateSession stores a new session, assigning an id when empty
func (c *Channel) CreateSession(ctx context.Context, session domain.CallSession) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := session.Validate(); err != nil {
		return "", err
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}

	c.mu.Lock()
	if _, exists := c.sessions[session.ID]; exists {
		c.mu.Unlock()
		return "", errDuplicateSession
	}
	c.sessions[session.ID] = session
	c.mu.Unlock()

	c.kickSession(session)
	return session.ID, nil
}

// GetSession returns a copy of the stored session
func (c *Channel) GetSession(ctx context.Context, id string) (*domain.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return &s, nil
}

// UpdateStatus merges the update when the stored status may move to update.Status
func (c *Channel) UpdateStatus(ctx context.Context, id string, update domain.StatusUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := update.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	if err := domain.CheckWrite(s.Status, update.Status); err != nil {
		c.mu.Unlock()
		return err
	}
	update.Apply(&s)
	c.sessions[id] = s
	c.mu.Unlock()

	c.kickSession(s)
	return nil
}

// AppendSignal stores one signal under its session
func (c *Channel) AppendSignal(ctx context.Context, signal domain.Signal) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := signal.Validate(); err != nil {
		return "", err
	}
	if signal.ID == "" {
		signal.ID = uuid.NewString()
	}

	c.mu.Lock()
	if _, ok := c.sessions[signal.SessionID]; !ok {
		c.mu.Unlock()
		return "", domain.ErrSessionNotFound
	}
	c.seq++
	c.signals[signal.SessionID] = append(c.signals[signal.SessionID], storedSignal{seq: c.seq, signal: signal})
	c.mu.Unlock()

	c.kickAll(c.signalW, signal.SessionID)
	return signal.ID, nil
}

// SubscribeToSession pushes the session on registration and after every write
func (c *Channel) SubscribeToSession(ctx context.Context, id string, onChange func(domain.CallSession), onError func(error)) (domain.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := watch.Start(func(ctx context.Context) (func(), error) {
		s, err := c.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		return func() { onChange(*s) }, nil
	}, onError)
	return c.register(c.sessionW, id, w), nil
}

// SubscribeToSignals pushes the full signal list, oldest first
func (c *Channel) SubscribeToSignals(ctx context.Context, sessionID string, onBatch func([]domain.Signal), onError func(error)) (domain.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := watch.Start(func(ctx context.Context) (func(), error) {
		batch := c.listSignals(sessionID)
		return func() { onBatch(batch) }, nil
	}, onError)
	return c.register(c.signalW, sessionID, w), nil
}

// SubscribeToIncomingSessions pushes pending sessions that target targetID
func (c *Channel) SubscribeToIncomingSessions(ctx context.Context, targetID string, onBatch func([]domain.CallSession), onError func(error)) (domain.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := watch.Start(func(ctx context.Context) (func(), error) {
		batch := c.pendingFor(targetID)
		return func() { onBatch(batch) }, nil
	}, onError)
	return c.register(c.incomW, targetID, w), nil
}

// ListSessions returns sessions involving userID, newest first
func (c *Channel) ListSessions(ctx context.Context, userID string, limit int) ([]*domain.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	out := make([]*domain.CallSession, 0)
	for _, s := range c.sessions {
		if s.InitiatorID == userID || s.TargetID == userID {
			s := s
			out = append(out, &s)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *Channel) listSignals(sessionID string) []domain.Signal {
	c.mu.RLock()
	stored := append([]storedSignal(nil), c.signals[sessionID]...)
	c.mu.RUnlock()

	sort.SliceStable(stored, func(i, j int) bool {
		a, b := stored[i], stored[j]
		if a.signal.CreatedAt.Equal(b.signal.CreatedAt) {
			return a.seq < b.seq
		}
		return a.signal.CreatedAt.Before(b.signal.CreatedAt)
	})
	out := make([]domain.Signal, len(stored))
	for i, s := range stored {
		out[i] = s.signal
	}
	return out
}

func (c *Channel) pendingFor(targetID string) []domain.CallSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.CallSession, 0)
	for _, s := range c.sessions {
		if s.TargetID == targetID && s.Status.IsPending() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

func (c *Channel) kickSession(s domain.CallSession) {
	c.kickAll(c.sessionW, s.ID)
	c.kickAll(c.incomW, s.TargetID)
}

func (c *Channel) kickAll(index map[string]map[*watch.Watch]struct{}, key string) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for w := range index[key] {
		w.Kick()
	}
}

func (c *Channel) register(index map[string]map[*watch.Watch]struct{}, key string, w *watch.Watch) domain.Subscription {
	c.watchMu.Lock()
	if index[key] == nil {
		index[key] = make(map[*watch.Watch]struct{})
	}
	index[key][w] = struct{}{}
	c.watchMu.Unlock()
	// catch writes that landed between the initial load and registration
	w.Kick()
	return &subscription{channel: c, index: index, key: key, w: w}
}

type subscription struct {
	channel *Channel
	index   map[string]map[*watch.Watch]struct{}
	key     string
	w       *watch.Watch
	once    sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		c := s.channel
		c.watchMu.Lock()
		delete(s.index[s.key], s.w)
		if len(s.index[s.key]) == 0 {
			delete(s.index, s.key)
		}
		c.watchMu.Unlock()
	})
	return s.w.Unsubscribe()
}
