package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tmt/backend/internal/domain"
)

// PatientSnapshot carries the patient fields triage needs, frozen at
// ingestion time so a later profile edit cannot change an in-flight item.
type PatientSnapshot struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name,omitempty"`
	Mobility        domain.Mobility        `json:"mobility,omitempty"`
	LivingSituation domain.LivingSituation `json:"living_situation,omitempty"`
	Conditions      []string               `json:"chronic_conditions,omitempty"`
	TrustScore      float64                `json:"trust_score"`
	Vulnerable      bool                   `json:"vulnerable"`
}

// WorkItem is one queued triage job.
type WorkItem struct {
	SOSID      string           `json:"sos_id"`
	SOS        *domain.SOSRequest `json:"sos"`
	Patient    *PatientSnapshot `json:"patient,omitempty"`
	Attempts   int              `json:"attempts"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

// NewWorkItem snapshots an SOS and its patient into a queue item. patient
// may be nil for mesh submissions with an unknown patient id.
func NewWorkItem(sos *domain.SOSRequest, patient *domain.Patient) WorkItem {
	item := WorkItem{
		SOSID:      sos.ID,
		SOS:        sos,
		EnqueuedAt: time.Now().UTC(),
	}
	if patient != nil {
		item.Patient = &PatientSnapshot{
			ID:              patient.ID,
			Name:            patient.Name,
			Mobility:        patient.Mobility,
			LivingSituation: patient.LivingSituation,
			Conditions:      patient.Conditions,
			TrustScore:      patient.TrustScore,
			Vulnerable:      patient.Vulnerable(),
		}
	}
	return item
}

// Queue is the durable hand-off between ingestion and the triage workers.
type Queue interface {
	Enqueue(ctx context.Context, item WorkItem) error
	// Dequeue blocks until an item is available or ctx ends.
	Dequeue(ctx context.Context) (*WorkItem, error)
	Close() error
}

const redisQueueKey = "tmt:triage:queue"

// RedisQueue is a Redis list carrying JSON work items. LPUSH/BRPOP gives
// FIFO order and survives worker restarts.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue builds a queue over an existing client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Enqueue(ctx context.Context, item WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	if err := q.client.LPush(ctx, redisQueueKey, data).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", domain.ErrDependencyUnavailable)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*WorkItem, error) {
	for {
		res, err := q.client.BRPop(ctx, 5*time.Second, redisQueueKey).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("dequeue: %w", domain.ErrDependencyUnavailable)
		}
		// BRPOP returns [key, value].
		var item WorkItem
		if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
			return nil, fmt.Errorf("decode work item: %w", err)
		}
		return &item, nil
	}
}

func (q *RedisQueue) Close() error { return nil }

// MemoryQueue is the in-process queue for tests and single-process dev.
type MemoryQueue struct {
	ch chan WorkItem
}

// NewMemoryQueue builds a buffered in-memory queue.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan WorkItem, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, item WorkItem) error {
	select {
	case q.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("triage queue full: %w", domain.ErrDependencyUnavailable)
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*WorkItem, error) {
	select {
	case item := <-q.ch:
		return &item, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Close() error { return nil }
