package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"secureconnect-callcore/internal/database"
	"secureconnect-callcore/internal/domain"
	"secureconnect-callcore/internal/repository/watch"
)

var errDuplicateSession = errors.New("call session already exists")

// incomingScanLimit bounds how many recent sessions of a user are scanned for pending calls
const incomingScanLimit = 50

// createScript writes the session hash only when the key is new
var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// updateScript writes only when the stored status is one of ARGV[4..].
// Returns -1 when missing, 0 when terminal, -2 when out of order, 1 when written.
var updateScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -1
end
if status == 'ENDED' or status == 'MISSED' or status == 'REJECTED' or status == 'FAILED' then
  return 0
end
local allowed = false
for i = 4, #ARGV do
  if ARGV[i] == status then
    allowed = true
  end
end
if not allowed then
  return -2
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[1], 'end_time', ARGV[2], 'duration_seconds', ARGV[3])
end
return 1
`)

// appendScript pushes a signal only when its session exists
var appendScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('RPUSH', KEYS[2], ARGV[1])
`)

// CallChannel stores sessions as hashes and signals as lists, and turns
// Redis pub/sub notifications into snapshot deliveries
type CallChannel struct {
	client *database.RedisClient
	prefix string
	log    *zap.Logger
}

// NewCallChannel creates a CallChannel. Keys are namespaced under prefix.
func NewCallChannel(client *database.RedisClient, prefix string, log *zap.Logger) *CallChannel {
	if log == nil {
		log = zap.NewNop()
	}
	return &CallChannel{client: client, prefix: prefix, log: log}
}

func (c *CallChannel) sessionKey(id string) string { return fmt.Sprintf("%s:call:%s", c.prefix, id) }
func (c *CallChannel) signalsKey(id string) string {
	return fmt.Sprintf("%s:call:%s:signals", c.prefix, id)
}
func (c *CallChannel) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s:calls", c.prefix, userID)
}
func (c *CallChannel) sessionTopic(id string) string {
	return fmt.Sprintf("%s:events:call:%s", c.prefix, id)
}
func (c *CallChannel) signalsTopic(id string) string {
	return fmt.Sprintf("%s:events:signals:%s", c.prefix, id)
}
func (c *CallChannel) incomingTopic(userID string) string {
	return fmt.Sprintf("%s:events:incoming:%s", c.prefix, userID)
}

// CreateSession stores the session hash and indexes it for both participants
func (c *CallChannel) CreateSession(ctx context.Context, session domain.CallSession) (string, error) {
	if err := session.Validate(); err != nil {
		return "", err
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}

	created, err := c.client.SafeRun(ctx, createScript, []string{c.sessionKey(session.ID)}, sessionArgs(session)...).Int()
	if err != nil {
		return "", fmt.Errorf("failed to create call session: %w", err)
	}
	if created == 0 {
		return "", errDuplicateSession
	}

	score := float64(session.StartTime.UnixMilli())
	for _, userID := range []string{session.InitiatorID, session.TargetID} {
		if err := c.client.SafeZAdd(ctx, c.userKey(userID), session.ID, score).Err(); err != nil {
			return "", fmt.Errorf("failed to index call session: %w", err)
		}
	}

	c.notifySession(ctx, session)
	return session.ID, nil
}

// GetSession reads the session hash
func (c *CallChannel) GetSession(ctx context.Context, id string) (*domain.CallSession, error) {
	fields, err := c.client.SafeHGetAll(ctx, c.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get call session: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	s, err := sessionFromHash(fields)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateStatus applies the update atomically when the stored status may move to it
func (c *CallChannel) UpdateStatus(ctx context.Context, id string, update domain.StatusUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}
	endTime, duration := "", ""
	if update.EndTime != nil {
		endTime = update.EndTime.UTC().Format(time.RFC3339Nano)
		duration = strconv.FormatInt(*update.DurationSeconds, 10)
	}

	args := []interface{}{string(update.Status), endTime, duration}
	for _, from := range domain.WritableFrom(update.Status) {
		args = append(args, string(from))
	}
	res, err := c.client.SafeRun(ctx, updateScript, []string{c.sessionKey(id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}
	switch res {
	case -1:
		return domain.ErrSessionNotFound
	case 0:
		return domain.ErrSessionTerminal
	case -2:
		return fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, id, update.Status)
	}

	s, err := c.GetSession(ctx, id)
	if err != nil {
		c.log.Warn("Status written but session reload failed", zap.String("session_id", id), zap.Error(err))
		c.publish(ctx, c.sessionTopic(id), id)
		return nil
	}
	c.notifySession(ctx, *s)
	return nil
}

// AppendSignal pushes the signal onto its session's list
func (c *CallChannel) AppendSignal(ctx context.Context, signal domain.Signal) (string, error) {
	if err := signal.Validate(); err != nil {
		return "", err
	}
	if signal.ID == "" {
		signal.ID = uuid.NewString()
	}
	data, err := json.Marshal(signal)
	if err != nil {
		return "", fmt.Errorf("failed to encode signal: %w", err)
	}

	keys := []string{c.sessionKey(signal.SessionID), c.signalsKey(signal.SessionID)}
	res, err := c.client.SafeRun(ctx, appendScript, keys, string(data)).Int()
	if err != nil {
		return "", fmt.Errorf("failed to append signal: %w", err)
	}
	if res < 0 {
		return "", domain.ErrSessionNotFound
	}

	c.publish(ctx, c.signalsTopic(signal.SessionID), signal.ID)
	return signal.ID, nil
}

// SubscribeToSession delivers the session hash on every change
func (c *CallChannel) SubscribeToSession(ctx context.Context, id string, onChange func(domain.CallSession), onError func(error)) (domain.Subscription, error) {
	return c.subscribe(ctx, c.sessionTopic(id), func(ctx context.Context) (func(), error) {
		s, err := c.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		return func() { onChange(*s) }, nil
	}, onError)
}

// SubscribeToSignals delivers the full signal list, oldest first
func (c *CallChannel) SubscribeToSignals(ctx context.Context, sessionID string, onBatch func([]domain.Signal), onError func(error)) (domain.Subscription, error) {
	return c.subscribe(ctx, c.signalsTopic(sessionID), func(ctx context.Context) (func(), error) {
		batch, err := c.listSignals(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return func() { onBatch(batch) }, nil
	}, onError)
}

// SubscribeToIncomingSessions delivers pending sessions targeting targetID
func (c *CallChannel) SubscribeToIncomingSessions(ctx context.Context, targetID string, onBatch func([]domain.CallSession), onError func(error)) (domain.Subscription, error) {
	return c.subscribe(ctx, c.incomingTopic(targetID), func(ctx context.Context) (func(), error) {
		recent, err := c.ListSessions(ctx, targetID, incomingScanLimit)
		if err != nil {
			return nil, err
		}
		batch := make([]domain.CallSession, 0)
		for _, s := range recent {
			if s.TargetID == targetID && s.Status.IsPending() {
				batch = append(batch, *s)
			}
		}
		return func() { onBatch(batch) }, nil
	}, onError)
}

// ListSessions reads the user's index newest first
func (c *CallChannel) ListSessions(ctx context.Context, userID string, limit int) ([]*domain.CallSession, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := c.client.SafeZRevRange(ctx, c.userKey(userID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list call sessions: %w", err)
	}

	out := make([]*domain.CallSession, 0, len(ids))
	for _, id := range ids {
		s, err := c.GetSession(ctx, id)
		if errors.Is(err, domain.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *CallChannel) listSignals(ctx context.Context, sessionID string) ([]domain.Signal, error) {
	items, err := c.client.SafeLRange(ctx, c.signalsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	out := make([]domain.Signal, 0, len(items))
	for _, item := range items {
		var s domain.Signal
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			c.log.Warn("Skipping undecodable signal", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		out = append(out, s)
	}
	// list order breaks ties between equal timestamps
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (c *CallChannel) notifySession(ctx context.Context, s domain.CallSession) {
	c.publish(ctx, c.sessionTopic(s.ID), s.ID)
	c.publish(ctx, c.incomingTopic(s.TargetID), s.ID)
}

// publish failures are logged only; subscribers resync on their next kick
func (c *CallChannel) publish(ctx context.Context, topic, msg string) {
	if err := c.client.SafePublish(ctx, topic, msg).Err(); err != nil {
		c.log.Warn("Failed to publish call event", zap.String("topic", topic), zap.Error(err))
	}
}

func (c *CallChannel) subscribe(ctx context.Context, topic string, load watch.LoadFunc, onError func(error)) (domain.Subscription, error) {
	pubsub := c.client.SafeSubscribe(ctx, topic)
	if pubsub == nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, database.ErrRedisDegraded)
	}
	// wait for the subscription to be confirmed so no publish after the initial load is lost
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	w := watch.Start(load, onError)
	sub := &subscription{pubsub: pubsub, w: w, done: make(chan struct{})}
	go sub.pump()
	return sub, nil
}

type subscription struct {
	pubsub *goredis.PubSub
	w      *watch.Watch
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) pump() {
	defer close(s.done)
	for range s.pubsub.Channel() {
		s.w.Kick()
	}
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
		<-s.done
	})
	if werr := s.w.Unsubscribe(); err == nil {
		err = werr
	}
	return err
}

func sessionArgs(s domain.CallSession) []interface{} {
	args := []interface{}{
		"id", s.ID,
		"initiator_id", s.InitiatorID,
		"target_id", s.TargetID,
		"conversation_id", s.ConversationID,
		"kind", string(s.Kind),
		"status", string(s.Status),
		"start_time", s.StartTime.UTC().Format(time.RFC3339Nano),
		"duration_seconds", strconv.FormatInt(s.DurationSeconds, 10),
	}
	if s.EndTime != nil {
		args = append(args, "end_time", s.EndTime.UTC().Format(time.RFC3339Nano))
	}
	return args
}

func sessionFromHash(fields map[string]string) (domain.CallSession, error) {
	s := domain.CallSession{
		ID:             fields["id"],
		InitiatorID:    fields["initiator_id"],
		TargetID:       fields["target_id"],
		ConversationID: fields["conversation_id"],
		Kind:           domain.CallKind(fields["kind"]),
		Status:         domain.CallStatus(fields["status"]),
	}

	start, err := time.Parse(time.RFC3339Nano, fields["start_time"])
	if err != nil {
		return domain.CallSession{}, fmt.Errorf("invalid start_time for call %s: %w", s.ID, err)
	}
	s.StartTime = start

	if raw := fields["end_time"]; raw != "" {
		end, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return domain.CallSession{}, fmt.Errorf("invalid end_time for call %s: %w", s.ID, err)
		}
		s.EndTime = &end
	}
	if raw := fields["duration_seconds"]; raw != "" {
		d, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.CallSession{}, fmt.Errorf("invalid duration for call %s: %w", s.ID, err)
		}
		s.DurationSeconds = d
	}
	return s, nil
}
