// Package firestore implements the signaling channel on Cloud Firestore using
// the calls/{id} and calls/{id}/signals/{id} document layout of the mobile clients.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	fs "cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"secureconnect-callcore/internal/domain"
	"secureconnect-callcore/internal/repository/watch"
)

const (
	// DefaultCollection is the top-level collection holding call documents
	DefaultCollection = "calls"
	signalsCollection = "signals"
)

var errDuplicateSession = errors.New("call session already exists")

// CallChannel reads and writes call documents and relays snapshot listeners
type CallChannel struct {
	client     *fs.Client
	collection string
	log        *zap.Logger
}

// NewCallChannel creates a CallChannel on the given collection
func NewCallChannel(client *fs.Client, collection string, log *zap.Logger) *CallChannel {
	if collection == "" {
		collection = DefaultCollection
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CallChannel{client: client, collection: collection, log: log}
}

func (c *CallChannel) calls() *fs.CollectionRef { return c.client.Collection(c.collection) }

func (c *CallChannel) signals(sessionID string) *fs.CollectionRef {
	return c.calls().Doc(sessionID).Collection(signalsCollection)
}

// CreateSession creates the call document, failing if it already exists
func (c *CallChannel) CreateSession(ctx context.Context, session domain.CallSession) (string, error) {
	if err := session.Validate(); err != nil {
		return "", err
	}
	ref := c.calls().NewDoc()
	if session.ID != "" {
		ref = c.calls().Doc(session.ID)
	}
	session.ID = ref.ID

	if _, err := ref.Create(ctx, toCallDoc(session)); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return "", errDuplicateSession
		}
		return "", fmt.Errorf("failed to create call document: %w", err)
	}
	return session.ID, nil
}

// GetSession reads the call document
func (c *CallChannel) GetSession(ctx context.Context, id string) (*domain.CallSession, error) {
	snap, err := c.calls().Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call document: %w", err)
	}
	return decodeCall(snap)
}

// UpdateStatus merges the update in a transaction that refuses terminal or
// out-of-order writes
func (c *CallChannel) UpdateStatus(ctx context.Context, id string, update domain.StatusUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}
	ref := c.calls().Doc(id)

	err := c.client.RunTransaction(ctx, func(ctx context.Context, tx *fs.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		current, err := snap.DataAt("status")
		if err != nil {
			return err
		}
		if err := checkStored(current, update.Status); err != nil {
			return err
		}
		return tx.Update(ref, statusUpdates(update))
	})
	if errors.Is(err, domain.ErrSessionNotFound) || errors.Is(err, domain.ErrSessionTerminal) ||
		errors.Is(err, domain.ErrInvalidTransition) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}
	return nil
}

// checkStored validates the status field read inside the transaction
func checkStored(current interface{}, next domain.CallStatus) error {
	s, ok := current.(string)
	if !ok {
		return fmt.Errorf("call document status has type %T", current)
	}
	return domain.CheckWrite(domain.CallStatus(s), next)
}

// AppendSignal writes one document into the call's signals subcollection
func (c *CallChannel) AppendSignal(ctx context.Context, signal domain.Signal) (string, error) {
	if err := signal.Validate(); err != nil {
		return "", err
	}
	if _, err := c.calls().Doc(signal.SessionID).Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return "", domain.ErrSessionNotFound
		}
		return "", fmt.Errorf("failed to check call document: %w", err)
	}

	ref := c.signals(signal.SessionID).NewDoc()
	if signal.ID != "" {
		ref = c.signals(signal.SessionID).Doc(signal.ID)
	}
	signal.ID = ref.ID

	if _, err := ref.Create(ctx, toSignalDoc(signal)); err != nil {
		return "", fmt.Errorf("failed to write signal: %w", err)
	}
	return signal.ID, nil
}

// ListSessions queries by participant, newest first
func (c *CallChannel) ListSessions(ctx context.Context, userID string, limit int) ([]*domain.CallSession, error) {
	q := c.calls().
		Where("participants", "array-contains", userID).
		OrderBy("startTime", fs.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list call documents: %w", err)
	}
	out := make([]*domain.CallSession, 0, len(docs))
	for _, doc := range docs {
		s, err := decodeCall(doc)
		if err != nil {
			c.log.Warn("Skipping undecodable call document", zap.String("session_id", doc.Ref.ID), zap.Error(err))
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// SubscribeToSession relays the document snapshot listener
func (c *CallChannel) SubscribeToSession(ctx context.Context, id string, onChange func(domain.CallSession), onError func(error)) (domain.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.listen(func(lctx context.Context) (nextFunc, func()) {
		it := c.calls().Doc(id).Snapshots(lctx)
		return func() (func(), error) {
			snap, err := it.Next()
			if err != nil {
				return nil, err
			}
			if !snap.Exists() {
				return nil, domain.ErrSessionNotFound
			}
			s, err := decodeCall(snap)
			if err != nil {
				return nil, err
			}
			return func() { onChange(*s) }, nil
		}, it.Stop
	}, onError), nil
}

// SubscribeToSignals relays the ordered signals query listener
func (c *CallChannel) SubscribeToSignals(ctx context.Context, sessionID string, onBatch func([]domain.Signal), onError func(error)) (domain.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.listen(func(lctx context.Context) (nextFunc, func()) {
		it := c.signals(sessionID).OrderBy("timestamp", fs.Asc).Snapshots(lctx)
		return func() (func(), error) {
			qs, err := it.Next()
			if err != nil {
				return nil, err
			}
			docs, err := qs.Documents.GetAll()
			if err != nil {
				return nil, err
			}
			batch := make([]domain.Signal, 0, len(docs))
			for _, doc := range docs {
				var d signalDoc
				if err := doc.DataTo(&d); err != nil {
					c.log.Warn("Skipping undecodable signal", zap.String("signal_id", doc.Ref.ID), zap.Error(err))
					continue
				}
				s, err := fromSignalDoc(doc.Ref.ID, sessionID, d)
				if err != nil {
					c.log.Warn("Skipping malformed signal", zap.String("signal_id", doc.Ref.ID), zap.Error(err))
					continue
				}
				batch = append(batch, s)
			}
			return func() { onBatch(batch) }, nil
		}, it.Stop
	}, onError), nil
}

// SubscribeToIncomingSessions relays the pending-for-receiver query listener
func (c *CallChannel) SubscribeToIncomingSessions(ctx context.Context, targetID string, onBatch func([]domain.CallSession), onError func(error)) (domain.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.listen(func(lctx context.Context) (nextFunc, func()) {
		it := c.calls().
			Where("receiverId", "==", targetID).
			Where("status", "in", []string{string(domain.StatusCalling), string(domain.StatusRinging)}).
			Snapshots(lctx)
		return func() (func(), error) {
			qs, err := it.Next()
			if err != nil {
				return nil, err
			}
			docs, err := qs.Documents.GetAll()
			if err != nil {
				return nil, err
			}
			batch := make([]domain.CallSession, 0, len(docs))
			for _, doc := range docs {
				s, err := decodeCall(doc)
				if err != nil {
					continue
				}
				batch = append(batch, *s)
			}
			return func() { onBatch(batch) }, nil
		}, it.Stop
	}, onError), nil
}

// nextFunc blocks for the next snapshot and returns its delivery
type nextFunc func() (deliver func(), err error)

// listen pumps a snapshot iterator into a watch. Only the newest snapshot is
// kept, so a slow subscriber skips intermediate states.
func (c *CallChannel) listen(open func(ctx context.Context) (nextFunc, func()), onError func(error)) domain.Subscription {
	lctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	sub.w = watch.Start(func(context.Context) (func(), error) {
		return sub.take()
	}, onError)

	next, stop := open(lctx)
	go func() {
		defer close(sub.done)
		for {
			deliver, err := next()
			if lctx.Err() != nil || errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled {
				stop()
				return
			}
			sub.put(deliver, err)
			sub.w.Kick()
			if err != nil {
				// a failed listener does not recover
				stop()
				return
			}
		}
	}()
	return sub
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	w      *watch.Watch

	mu      sync.Mutex
	deliver func()
	err     error
	once    sync.Once
}

func (s *subscription) put(deliver func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliver, s.err = deliver, err
}

func (s *subscription) take() (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.deliver, s.err
	s.deliver, s.err = nil, nil
	return d, err
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return s.w.Unsubscribe()
}
