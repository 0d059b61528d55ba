/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"
)

// Redis key layout, relative to the queue prefix:
//
//	<prefix>:waiting    list of job ids, LPUSH head / LMOVE tail
//	<prefix>:active     list of claimed job ids
//	<prefix>:completed  list of preserved completed job ids
//	<prefix>:failed     list of preserved failed job ids
//	<prefix>:job:<id>   hash carrying the job metadata
type RedisQueue struct {
	client *redis.Client
	prefix string
	clock  clock.PassiveClock
	log    logr.Logger
}

// NewRedisQueue wires a queue over an existing Redis client. The prefix
// isolates queues sharing one Redis database.
func NewRedisQueue(client *redis.Client, prefix string, clk clock.PassiveClock, logger logr.Logger) *RedisQueue {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RedisQueue{
		client: client,
		prefix: prefix,
		clock:  clk,
		log:    logger.WithName("queue"),
	}
}

func (q *RedisQueue) stateKey(state State) string { return q.prefix + ":" + string(state) }
func (q *RedisQueue) jobKey(jobID string) string  { return q.prefix + ":job:" + jobID }

// Enqueue stores the job hash and pushes its id onto the waiting list.
func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload []byte) (string, error) {
	jobID := uuid.NewString()
	fields := map[string]interface{}{
		"name":        name,
		"payload":     string(payload),
		"enqueued_at": q.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, q.jobKey(jobID), fields).Err(); err != nil {
		return "", fmt.Errorf("store job %s: %w", jobID, err)
	}
	if err := q.client.LPush(ctx, q.stateKey(StateWaiting), jobID).Err(); err != nil {
		return "", fmt.Errorf("push job %s to waiting: %w", jobID, err)
	}
	return jobID, nil
}

// Claim atomically moves the oldest waiting id to active and loads its
// metadata. At-least-once: a crashed worker leaves the job in active for a
// later requeue or removal.
func (q *RedisQueue) Claim(ctx context.Context) (*Job, error) {
	jobID, err := q.client.LMove(ctx, q.stateKey(StateWaiting), q.stateKey(StateActive), "RIGHT", "LEFT").Result()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		// Orphaned id without metadata; drop it from active so the worker
		// does not spin on it.
		_ = q.client.LRem(ctx, q.stateKey(StateActive), 1, jobID).Err()
		return nil, err
	}
	return job, nil
}

// Complete moves an active job to the preserved completed list.
func (q *RedisQueue) Complete(ctx context.Context, jobID string) error {
	return q.moveTerminal(ctx, jobID, StateCompleted, "")
}

// Fail moves an active job to the preserved failed list and records why.
func (q *RedisQueue) Fail(ctx context.Context, jobID string, reason string) error {
	return q.moveTerminal(ctx, jobID, StateFailed, reason)
}

func (q *RedisQueue) moveTerminal(ctx context.Context, jobID string, terminal State, reason string) error {
	exists, err := q.client.Exists(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("check job %s: %w", jobID, err)
	}
	if exists == 0 {
		return fmt.Errorf("move job %s to %s: %w", jobID, terminal, ErrJobNotFound)
	}

	removed, err := q.client.LRem(ctx, q.stateKey(StateActive), 1, jobID).Result()
	if err != nil {
		return fmt.Errorf("remove job %s from active: %w", jobID, err)
	}
	if removed == 0 {
		// Tolerate terminal moves on unclaimed jobs.
		if _, err := q.client.LRem(ctx, q.stateKey(StateWaiting), 1, jobID).Result(); err != nil {
			return fmt.Errorf("remove job %s from waiting: %w", jobID, err)
		}
	}

	if reason != "" {
		if err := q.client.HSet(ctx, q.jobKey(jobID), "failed_reason", reason).Err(); err != nil {
			return fmt.Errorf("record failure reason for %s: %w", jobID, err)
		}
	}
	if err := q.client.LPush(ctx, q.stateKey(terminal), jobID).Err(); err != nil {
		return fmt.Errorf("push job %s to %s: %w", jobID, terminal, err)
	}
	return nil
}

// Update replaces the stored payload. The job keeps its state and position.
func (q *RedisQueue) Update(ctx context.Context, jobID string, payload []byte) error {
	exists, err := q.client.Exists(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("check job %s: %w", jobID, err)
	}
	if exists == 0 {
		return fmt.Errorf("update job %s: %w", jobID, ErrJobNotFound)
	}
	if err := q.client.HSet(ctx, q.jobKey(jobID), "payload", string(payload)).Err(); err != nil {
		return fmt.Errorf("update job %s payload: %w", jobID, err)
	}
	return nil
}

// Remove deletes the job id from every state list and drops its metadata.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	for _, state := range States {
		if err := q.client.LRem(ctx, q.stateKey(state), 0, jobID).Err(); err != nil {
			return fmt.Errorf("remove job %s from %s: %w", jobID, state, err)
		}
	}
	if err := q.client.Del(ctx, q.jobKey(jobID)).Err(); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

// ListByState returns the jobs in a state, oldest first.
func (q *RedisQueue) ListByState(ctx context.Context, state State) ([]*Job, error) {
	ids, err := q.client.LRange(ctx, q.stateKey(state), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", state, err)
	}

	// Lists grow at the head; reverse for enqueue order.
	jobs := make([]*Job, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		job, err := q.loadJob(ctx, ids[i])
		if err != nil {
			q.log.Error(err, "skipping job with missing metadata", "job_id", ids[i], "state", string(state))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Counts returns the depth of every state list.
func (q *RedisQueue) Counts(ctx context.Context) (map[State]int64, error) {
	counts := make(map[State]int64, len(States))
	for _, state := range States {
		n, err := q.client.LLen(ctx, q.stateKey(state)).Result()
		if err != nil {
			return nil, fmt.Errorf("count %s jobs: %w", state, err)
		}
		counts[state] = n
	}
	return counts, nil
}

func (q *RedisQueue) loadJob(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("load job %s: %w", jobID, ErrJobNotFound)
	}

	job := &Job{
		ID:           jobID,
		Name:         fields["name"],
		Payload:      []byte(fields["payload"]),
		FailedReason: fields["failed_reason"],
	}
	if raw := fields["enqueued_at"]; raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse enqueued_at for job %s: %w", jobID, err)
		}
		job.EnqueuedAt = at
	}
	return job, nil
}
