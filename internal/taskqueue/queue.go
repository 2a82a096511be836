// Package taskqueue is a redis-backed priority task queue with delayed
// scheduling. Redis is the single source of truth for cross-process
// coordination; nothing here is cached in memory.
//
// Delivery is at most once: a failed task is terminal and is not retried.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// MinPriority and MaxPriority bound the accepted priority range.
	// Priority 1 is serviced first.
	MinPriority = 1
	MaxPriority = 5

	delayedKey   = "tasks:delayed"
	statusPrefix = "tasks:status:"
	resultPrefix = "results:"

	// resultTTL bounds how long task statuses and results stay readable.
	resultTTL = 24 * time.Hour
)

// Task statuses. Transitions are single-direction:
// pending -> processing -> completed | failed.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Task is one unit of queued work.
type Task struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Priority  int             `json:"priority"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Handler executes one task and returns a JSON-serializable result.
type Handler func(ctx context.Context, task *Task) (any, error)

// Queue is the redis-backed task queue.
type Queue struct {
	rdb      *redis.Client
	log      *logrus.Entry
	handlers map[string]Handler

	// now is time.Now in production; injected in tests.
	now func() time.Time
}

// New creates a queue over an existing redis client.
func New(rdb *redis.Client, logger *logrus.Logger) *Queue {
	return &Queue{
		rdb:      rdb,
		log:      logger.WithField("component", "taskqueue"),
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
}

func queueKey(priority int) string {
	return "tasks:" + strconv.Itoa(priority)
}

// Register binds a handler to a task type. Must be called before Run.
func (q *Queue) Register(taskType string, h Handler) {
	q.handlers[taskType] = h
}

// HandlerFor returns the registered handler for a task type, nil when none.
func (q *Queue) HandlerFor(taskType string) Handler {
	return q.handlers[taskType]
}

// Enqueue schedules a task. A positive delay keeps the task invisible to
// workers until its due time passes. Returns the task id.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload any, priority int, delay time.Duration) (string, error) {
	if priority < MinPriority || priority > MaxPriority {
		return "", fmt.Errorf("taskqueue: priority %d out of range [%d,%d]", priority, MinPriority, MaxPriority)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("taskqueue: marshal payload: %w", err)
	}

	task := &Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Priority:  priority,
		Payload:   raw,
		CreatedAt: q.now(),
	}
	encoded, err := json.Marshal(task)
	if err != nil {
		return "", err
	}

	pipe := q.rdb.TxPipeline()
	if delay > 0 {
		due := q.now().Add(delay)
		pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(due.UnixMilli()), Member: encoded})
	} else {
		pipe.LPush(ctx, queueKey(priority), encoded)
	}
	statusKey := statusPrefix + task.ID
	pipe.HSet(ctx, statusKey, map[string]any{
		"status":     StatusPending,
		"type":       taskType,
		"priority":   priority,
		"created_at": task.CreatedAt.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, statusKey, resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("taskqueue: enqueue: %w", err)
	}

	q.log.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"type":     taskType,
		"priority": priority,
		"delay":    delay.String(),
	}).Info("task enqueued")
	return task.ID, nil
}

// PromoteDue moves delayed tasks whose due time has passed into their
// priority queues. Returns how many tasks were promoted.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := q.now().UnixMilli()
	members, err := q.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, member := range members {
		var task Task
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			q.rdb.ZRem(ctx, delayedKey, member)
			q.log.WithError(err).Warn("dropping undecodable delayed task")
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, delayedKey, member)
		pipe.LPush(ctx, queueKey(task.Priority), member)
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// TryDequeue pops the highest-priority available task without blocking.
// Returns nil when every queue is empty.
func (q *Queue) TryDequeue(ctx context.Context) (*Task, error) {
	for p := MinPriority; p <= MaxPriority; p++ {
		raw, err := q.rdb.RPop(ctx, queueKey(p)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			q.log.WithError(err).Warn("dropping undecodable task")
			continue
		}
		return &task, nil
	}
	return nil, nil
}

// dequeue blocks until a task is available or the timeout passes. Priority 1
// is serviced first because BRPOP checks keys in argument order.
func (q *Queue) dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	keys := make([]string, 0, MaxPriority)
	for p := MinPriority; p <= MaxPriority; p++ {
		keys = append(keys, queueKey(p))
	}
	res, err := q.rdb.BRPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		q.log.WithError(err).Warn("dropping undecodable task")
		return nil, nil
	}
	return &task, nil
}

// Run is the worker loop: promote due delayed tasks, then block on the
// priority queues. Returns when the context is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	q.log.Info("task worker started")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := q.PromoteDue(ctx); err != nil && ctx.Err() == nil {
			q.log.WithError(err).Warn("promoting delayed tasks failed")
		}
		task, err := q.dequeue(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.WithError(err).Warn("dequeue failed")
			continue
		}
		if task == nil {
			continue
		}
		q.process(ctx, task)
	}
}

func (q *Queue) process(ctx context.Context, task *Task) {
	log := q.log.WithFields(logrus.Fields{"task_id": task.ID, "type": task.Type})

	handler, ok := q.handlers[task.Type]
	if !ok {
		q.setStatus(ctx, task.ID, StatusFailed, "no handler registered for type "+task.Type)
		log.Error("no handler registered")
		return
	}

	q.setStatus(ctx, task.ID, StatusProcessing, "")
	result, err := handler(ctx, task)
	if err != nil {
		// Terminal. The failure is recorded, not retried.
		q.setStatus(ctx, task.ID, StatusFailed, err.Error())
		log.WithError(err).Error("task failed")
		return
	}

	if result != nil {
		encoded, merr := json.Marshal(result)
		if merr == nil {
			q.rdb.Set(ctx, resultPrefix+task.ID, encoded, resultTTL)
		} else {
			log.WithError(merr).Warn("task result not serializable")
		}
	}
	q.setStatus(ctx, task.ID, StatusCompleted, "")
	log.Info("task completed")
}

func (q *Queue) setStatus(ctx context.Context, id, status, errMsg string) {
	key := statusPrefix + id
	fields := map[string]any{
		"status":     status,
		"updated_at": q.now().Format(time.RFC3339Nano),
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.WithError(err).WithField("task_id", id).Warn("status update failed")
	}
}

// TaskStatus is the queryable state of one task.
type TaskStatus struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Priority  int    `json:"priority,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Status returns a task's current status, or nil when unknown or expired.
func (q *Queue) Status(ctx context.Context, id string) (*TaskStatus, error) {
	fields, err := q.rdb.HGetAll(ctx, statusPrefix+id).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	priority, _ := strconv.Atoi(fields["priority"])
	return &TaskStatus{
		ID:        id,
		Type:      fields["type"],
		Status:    fields["status"],
		Priority:  priority,
		CreatedAt: fields["created_at"],
		UpdatedAt: fields["updated_at"],
		Error:     fields["error"],
	}, nil
}

// Result returns a completed task's result payload, or nil when absent.
func (q *Queue) Result(ctx context.Context, id string) (json.RawMessage, error) {
	raw, err := q.rdb.Get(ctx, resultPrefix+id).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// Depths reports queue lengths per priority plus the delayed set size.
func (q *Queue) Depths(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, MaxPriority+1)
	for p := MinPriority; p <= MaxPriority; p++ {
		n, err := q.rdb.LLen(ctx, queueKey(p)).Result()
		if err != nil {
			return nil, err
		}
		out[queueKey(p)] = n
	}
	n, err := q.rdb.ZCard(ctx, delayedKey).Result()
	if err != nil {
		return nil, err
	}
	out[delayedKey] = n
	return out, nil
}
