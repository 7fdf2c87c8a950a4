// Package postgres implements the signaling channel on PostgreSQL.
// Rows hold the durable state and LISTEN/NOTIFY carries change pokes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"secureconnect-callcore/internal/domain"
	"secureconnect-callcore/internal/repository/watch"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying change pokes
const NotifyChannel = "call_events"

const (
	foreignKeyViolation = "23503"
	incomingScanLimit   = 50
	relistenDelay       = time.Second
)

var errDuplicateSession = errors.New("call session already exists")

// Querier is the subset of pgxpool.Pool the repository needs
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const sessionColumns = `id, initiator_id, target_id, conversation_id, kind, status, start_time, end_time, duration_seconds`

// CallRepository stores call sessions and signals
type CallRepository struct {
	db  Querier
	log *zap.Logger

	watchMu  sync.Mutex
	watchers map[string]map[*watch.Watch]struct{}
}

// NewCallRepository creates a new call repository
func NewCallRepository(db Querier, log *zap.Logger) *CallRepository {
	if log == nil {
		log = zap.NewNop()
	}
	return &CallRepository{
		db:       db,
		log:      log,
		watchers: make(map[string]map[*watch.Watch]struct{}),
	}
}

// CreateSession inserts a new session row
func (r *CallRepository) CreateSession(ctx context.Context, session domain.CallSession) (string, error) {
	if err := session.Validate(); err != nil {
		return "", err
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}

	query := `
		INSERT INTO call_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		session.ID,
		session.InitiatorID,
		session.TargetID,
		session.ConversationID,
		string(session.Kind),
		string(session.Status),
		session.StartTime,
		session.EndTime,
		session.DurationSeconds,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create call session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", errDuplicateSession
	}

	r.notify(ctx, sessionTopic(session.ID), incomingTopic(session.TargetID))
	return session.ID, nil
}

// GetSession retrieves a session by id
func (r *CallRepository) GetSession(ctx context.Context, id string) (*domain.CallSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE id = $1`

	s, err := scanSession(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call session: %w", err)
	}
	return s, nil
}

// UpdateStatus writes the update only while the stored status may move to
// update.Status, so concurrent writers never move a session backward
func (r *CallRepository) UpdateStatus(ctx context.Context, id string, update domain.StatusUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE call_sessions
		SET status = $2,
		    end_time = COALESCE($3, end_time),
		    duration_seconds = COALESCE($4, duration_seconds)
		WHERE id = $1 AND status = ANY($5)
		RETURNING target_id
	`
	var targetID string
	err := r.db.QueryRow(ctx, query, id, string(update.Status), update.EndTime, update.DurationSeconds,
		writableFrom(update.Status)).Scan(&targetID)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.refusedUpdate(ctx, id, update.Status)
	}
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}

	r.notify(ctx, sessionTopic(id), incomingTopic(targetID))
	return nil
}

func writableFrom(next domain.CallStatus) []string {
	from := domain.WritableFrom(next)
	out := make([]string, len(from))
	for i, s := range from {
		out[i] = string(s)
	}
	return out
}

// refusedUpdate tells a missing row from a terminal or out-of-order one
func (r *CallRepository) refusedUpdate(ctx context.Context, id string, next domain.CallStatus) error {
	var status string
	err := r.db.QueryRow(ctx, `SELECT status FROM call_sessions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read call status: %w", err)
	}
	if err := domain.CheckWrite(domain.CallStatus(status), next); err != nil {
		return err
	}
	// the row moved between the update and this read
	return fmt.Errorf("%w: %s changed concurrently", domain.ErrInvalidTransition, id)
}

// AppendSignal inserts one signal row
func (r *CallRepository) AppendSignal(ctx context.Context, signal domain.Signal) (string, error) {
	if err := signal.Validate(); err != nil {
		return "", err
	}
	if signal.ID == "" {
		signal.ID = uuid.NewString()
	}

	var sdp string
	var candidate domain.IceCandidate
	switch p := signal.Payload.(type) {
	case domain.Offer:
		sdp = p.SDP
	case domain.Answer:
		sdp = p.SDP
	case domain.IceCandidate:
		candidate = p
	}

	query := `
		INSERT INTO call_signals (
			id, session_id, sender_id, type, sdp, candidate, sdp_mid, sdp_mline_index, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(ctx, query,
		signal.ID,
		signal.SessionID,
		signal.SenderID,
		string(signal.Type()),
		sdp,
		candidate.Candidate,
		candidate.SDPMid,
		candidate.SDPMLineIndex,
		signal.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return "", domain.ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to append signal: %w", err)
	}

	r.notify(ctx, signalsTopic(signal.SessionID))
	return signal.ID, nil
}

// ListSessions returns sessions involving userID, newest first
func (r *CallRepository) ListSessions(ctx context.Context, userID string, limit int) ([]*domain.CallSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM call_sessions
		WHERE initiator_id = $1 OR target_id = $1
		ORDER BY start_time DESC, id DESC
		LIMIT $2
	`
	// LIMIT NULL lists everything
	var lim any
	if limit > 0 {
		lim = limit
	}
	return r.querySessions(ctx, query, userID, lim)
}

func (r *CallRepository) pendingFor(ctx context.Context, targetID string) ([]*domain.CallSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM call_sessions
		WHERE target_id = $1 AND status IN ('CALLING', 'RINGING')
		ORDER BY start_time DESC
		LIMIT $2
	`
	return r.querySessions(ctx, query, targetID, incomingScanLimit)
}

func (r *CallRepository) querySessions(ctx context.Context, query string, args ...any) ([]*domain.CallSession, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list call sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*domain.CallSession, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list call sessions: %w", err)
	}
	return sessions, nil
}

func (r *CallRepository) listSignals(ctx context.Context, sessionID string) ([]domain.Signal, error) {
	query := `
		SELECT id, session_id, sender_id, type, sdp, candidate, sdp_mid, sdp_mline_index, created_at
		FROM call_signals
		WHERE session_id = $1
		ORDER BY created_at ASC, seq ASC
	`
	rows, err := r.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()

	signals := make([]domain.Signal, 0)
	for rows.Next() {
		var (
			s         domain.Signal
			kind, sdp string
			candidate domain.IceCandidate
		)
		err := rows.Scan(&s.ID, &s.SessionID, &s.SenderID, &kind, &sdp,
			&candidate.Candidate, &candidate.SDPMid, &candidate.SDPMLineIndex, &s.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		s.Payload, err = domain.NewSignalPayload(domain.SignalType(kind), sdp, &candidate)
		if err != nil {
			r.log.Warn("Skipping malformed signal", zap.String("signal_id", s.ID), zap.Error(err))
			continue
		}
		signals = append(signals, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	return signals, nil
}

func scanSession(row pgx.Row) (*domain.CallSession, error) {
	var (
		s            domain.CallSession
		kind, status string
	)
	err := row.Scan(
		&s.ID,
		&s.InitiatorID,
		&s.TargetID,
		&s.ConversationID,
		&kind,
		&status,
		&s.StartTime,
		&s.EndTime,
		&s.DurationSeconds,
	)
	if err != nil {
		return nil, err
	}
	s.Kind = domain.CallKind(kind)
	s.Status = domain.CallStatus(status)
	return &s, nil
}

// SubscribeToSession delivers the session row on every change
func (r *CallRepository) SubscribeToSession(ctx context.Context, id string, onChange func(domain.CallSession), onError func(error)) (domain.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.register(sessionTopic(id), func(ctx context.Context) (func(), error) {
		s, err := r.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		return func() { onChange(*s) }, nil
	}, onError), nil
}

// SubscribeToSignals delivers the full signal list, oldest first
func (r *CallRepository) SubscribeToSignals(ctx context.Context, sessionID string, onBatch func([]domain.Signal), onError func(error)) (domain.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.register(signalsTopic(sessionID), func(ctx context.Context) (func(), error) {
		batch, err := r.listSignals(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return func() { onBatch(batch) }, nil
	}, onError), nil
}

// SubscribeToIncomingSessions delivers pending sessions targeting targetID
func (r *CallRepository) SubscribeToIncomingSessions(ctx context.Context, targetID string, onBatch func([]domain.CallSession), onError func(error)) (domain.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.register(incomingTopic(targetID), func(ctx context.Context) (func(), error) {
		pending, err := r.pendingFor(ctx, targetID)
		if err != nil {
			return nil, err
		}
		batch := make([]domain.CallSession, len(pending))
		for i, s := range pending {
			batch[i] = *s
		}
		return func() { onBatch(batch) }, nil
	}, onError), nil
}

// Listen holds a dedicated connection on NotifyChannel and turns
// notifications from other writers into reloads. It returns when ctx ends.
func (r *CallRepository) Listen(ctx context.Context, pool *pgxpool.Pool) error {
	for {
		err := r.listenOnce(ctx, pool)
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn("Call event listener dropped, reconnecting", zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(relistenDelay):
		}
	}
}

func (r *CallRepository) listenOnce(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	// notifications may have been missed while disconnected
	r.kickAll()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		r.dispatch(n.Payload)
	}
}

// notify pokes local watchers and other processes
func (r *CallRepository) notify(ctx context.Context, topics ...string) {
	for _, topic := range topics {
		r.dispatch(topic)
		if _, err := r.db.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, topic); err != nil {
			r.log.Warn("Failed to notify call event", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (r *CallRepository) dispatch(topic string) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for w := range r.watchers[topic] {
		w.Kick()
	}
}

func (r *CallRepository) kickAll() {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for _, set := range r.watchers {
		for w := range set {
			w.Kick()
		}
	}
}

func (r *CallRepository) register(topic string, load watch.LoadFunc, onError func(error)) domain.Subscription {
	w := watch.Start(load, onError)
	r.watchMu.Lock()
	if r.watchers[topic] == nil {
		r.watchers[topic] = make(map[*watch.Watch]struct{})
	}
	r.watchers[topic][w] = struct{}{}
	r.watchMu.Unlock()
	w.Kick()
	return &subscription{repo: r, topic: topic, w: w}
}

type subscription struct {
	repo  *CallRepository
	topic string
	w     *watch.Watch
	once  sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		r := s.repo
		r.watchMu.Lock()
		delete(r.watchers[s.topic], s.w)
		if len(r.watchers[s.topic]) == 0 {
			delete(r.watchers, s.topic)
		}
		r.watchMu.Unlock()
	})
	return s.w.Unsubscribe()
}

func sessionTopic(id string) string      { return "session:" + id }
func signalsTopic(id string) string      { return "signals:" + id }
func incomingTopic(userID string) string { return "incoming:" + userID }
