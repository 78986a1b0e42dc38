package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sbenjam1n/kgap/internal/executor"
	"github.com/sbenjam1n/kgap/internal/knowledge"
	"github.com/sbenjam1n/kgap/internal/siblings"
)

const (
	// StreamActivities announces each activity as the executor dispatches it.
	StreamActivities = "kgap_activities"
	// StreamEvents carries plan and activity lifecycle events.
	StreamEvents = "kgap_events"

	// GroupWorkers is the consumer group for external activity workers.
	GroupWorkers = "activity_workers"
	// GroupObservers is the consumer group for event observers.
	GroupObservers = "event_observers"

	continuityPrefix = "kgap:continuity:"
	eventsMaxLen     = 10000
	// eventsPage is how many stream entries RecentEvents reads per call.
	eventsPage int64 = 100
)

var (
	// ErrNoMessages is returned by a read that timed out empty.
	ErrNoMessages = errors.New("no messages")
	// ErrUnknownToken is returned for an expired or never-issued token.
	ErrUnknownToken = errors.New("unknown continuity token")
)

// ActivityMessage is the payload pushed to the activity stream.
type ActivityMessage struct {
	PlanID       string `json:"plan_id"`
	WorkspaceID  string `json:"workspace_id"`
	ActivityID   string `json:"activity_id"`
	ActivityType string `json:"activity_type"`
	TargetGapID  string `json:"target_gap_id"`
	Description  string `json:"description,omitempty"`
}

// Queue manages the Redis streams and continuity tokens.
type Queue struct {
	client        *redis.Client
	continuityTTL time.Duration
}

// New creates a Queue from a Redis client. Continuity tokens live for
// continuityTTL; zero keeps them forever.
func New(client *redis.Client, continuityTTL time.Duration) *Queue {
	return &Queue{client: client, continuityTTL: continuityTTL}
}

// ConnectRedis creates a Redis client from a URL.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// EnsureStreams creates the consumer groups if they don't exist.
func (q *Queue) EnsureStreams(ctx context.Context) error {
	for _, pair := range []struct {
		stream, group string
	}{
		{StreamActivities, GroupWorkers},
		{StreamEvents, GroupObservers},
	} {
		err := q.client.XGroupCreateMkStream(ctx, pair.stream, pair.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", pair.group, pair.stream, err)
		}
	}
	return nil
}

// PushActivity adds an activity message to the activity stream.
func (q *Queue) PushActivity(ctx context.Context, msg ActivityMessage) (string, error) {
	result, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamActivities,
		Values: activityValues(msg),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("push activity: %w", err)
	}
	return result, nil
}

// ReadActivity reads one activity message for consumer, waiting up to block.
// Zero blocks until a message arrives.
func (q *Queue) ReadActivity(ctx context.Context, consumer string, block time.Duration) (*ActivityMessage, string, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    GroupWorkers,
		Consumer: consumer,
		Streams:  []string{StreamActivities, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrNoMessages
	}
	if err != nil {
		return nil, "", fmt.Errorf("read activity: %w", err)
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			return parseActivity(msg.Values), msg.ID, nil
		}
	}
	return nil, "", ErrNoMessages
}

// AckActivity acknowledges an activity message.
func (q *Queue) AckActivity(ctx context.Context, msgID string) error {
	return q.client.XAck(ctx, StreamActivities, GroupWorkers, msgID).Err()
}

// Emit appends a lifecycle event to the event stream. It implements
// executor.EventSink.
func (q *Queue) Emit(ctx context.Context, ev executor.Event) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamEvents,
		MaxLen: eventsMaxLen,
		Approx: true,
		Values: eventValues(ev),
	}).Err()
	if err != nil {
		return fmt.Errorf("emit %s event: %w", ev.Kind, err)
	}
	return nil
}

// RecentEvents returns up to count of the newest events of a plan, oldest
// first. It pages back through the shared stream until count events of the
// plan are found or the stream is exhausted. An empty planID matches every
// plan.
func (q *Queue) RecentEvents(ctx context.Context, planID string, count int64) ([]executor.Event, error) {
	if count <= 0 {
		return nil, nil
	}
	var newest []executor.Event
	start := "+"
	for int64(len(newest)) < count {
		msgs, err := q.client.XRevRangeN(ctx, StreamEvents, start, "-", eventsPage).Result()
		if err != nil {
			return nil, fmt.Errorf("read events: %w", err)
		}
		for _, msg := range msgs {
			ev := parseEvent(msg.Values)
			if planID == "" || ev.PlanID == planID {
				newest = append(newest, ev)
				if int64(len(newest)) == count {
					break
				}
			}
		}
		if int64(len(msgs)) < eventsPage {
			break
		}
		start = "(" + msgs[len(msgs)-1].ID
	}
	out := make([]executor.Event, len(newest))
	for i, ev := range newest {
		out[len(newest)-1-i] = ev
	}
	return out, nil
}

// Register stores a session under a new continuity token. It implements
// siblings.ContinuityRegistrar.
func (q *Queue) Register(ctx context.Context, s siblings.Session) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	token := uuid.NewString()
	if err := q.client.Set(ctx, continuityPrefix+token, data, q.continuityTTL).Err(); err != nil {
		return "", fmt.Errorf("register session: %w", err)
	}
	return token, nil
}

// Session returns the session a continuity token was issued for.
func (q *Queue) Session(ctx context.Context, token string) (siblings.Session, error) {
	var s siblings.Session
	data, err := q.client.Get(ctx, continuityPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return s, fmt.Errorf("read session %s: %w", token, ErrUnknownToken)
	}
	if err != nil {
		return s, fmt.Errorf("read session %s: %w", token, err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("unmarshal session %s: %w", token, err)
	}
	return s, nil
}

// Status returns the length of both streams.
func (q *Queue) Status(ctx context.Context) (activities, events int64, err error) {
	activities, err = q.client.XLen(ctx, StreamActivities).Result()
	if err != nil {
		return 0, 0, err
	}
	events, err = q.client.XLen(ctx, StreamEvents).Result()
	if err != nil {
		return 0, 0, err
	}
	return activities, events, nil
}

// Announce wraps runner so each activity is pushed to the activity stream
// before it runs. A failed push does not stop the activity.
func (q *Queue) Announce(runner executor.ActivityRunner, onError func(error)) executor.ActivityRunner {
	return executor.RunnerFunc(func(ctx context.Context, plan *knowledge.Plan, a knowledge.Activity) (executor.RunResult, error) {
		_, err := q.PushActivity(ctx, ActivityMessage{
			PlanID:       plan.ID,
			WorkspaceID:  plan.WorkspaceID,
			ActivityID:   a.ID,
			ActivityType: string(a.Type),
			TargetGapID:  a.TargetGapID,
			Description:  a.Description,
		})
		if err != nil && onError != nil {
			onError(err)
		}
		return runner.RunActivity(ctx, plan, a)
	})
}

func activityValues(msg ActivityMessage) map[string]any {
	return map[string]any{
		"plan_id":       msg.PlanID,
		"workspace_id":  msg.WorkspaceID,
		"activity_id":   msg.ActivityID,
		"activity_type": msg.ActivityType,
		"target_gap_id": msg.TargetGapID,
		"description":   msg.Description,
	}
}

func parseActivity(values map[string]any) *ActivityMessage {
	return &ActivityMessage{
		PlanID:       getString(values, "plan_id"),
		WorkspaceID:  getString(values, "workspace_id"),
		ActivityID:   getString(values, "activity_id"),
		ActivityType: getString(values, "activity_type"),
		TargetGapID:  getString(values, "target_gap_id"),
		Description:  getString(values, "description"),
	}
}

func eventValues(ev executor.Event) map[string]any {
	return map[string]any{
		"plan_id":     ev.PlanID,
		"activity_id": ev.ActivityID,
		"kind":        ev.Kind,
		"status":      ev.Status,
		"detail":      ev.Detail,
		"at":          ev.At.UTC().Format(time.RFC3339Nano),
	}
}

func parseEvent(values map[string]any) executor.Event {
	at, _ := time.Parse(time.RFC3339Nano, getString(values, "at"))
	return executor.Event{
		PlanID:     getString(values, "plan_id"),
		ActivityID: getString(values, "activity_id"),
		Kind:       getString(values, "kind"),
		Status:     getString(values, "status"),
		Detail:     getString(values, "detail"),
		At:         at,
	}
}

func getString(values map[string]any, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
