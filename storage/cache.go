package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"talk2task/domain"
)

// Cache wraps a TaskStore with a Redis-backed cache of each user's task
// list. Every mutation evicts the user's entry.
type Cache struct {
	base  TaskStore
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching TaskStore using the provided Redis client and TTL.
func NewCache(base TaskStore, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasksFromCache(ctx, userID); ok {
		return tasks, nil
	}

	tasks, err := c.base.ListTasks(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.storeTasks(ctx, userID, tasks)
	return tasks, nil
}

func (c *Cache) GetTask(ctx context.Context, userID, id string) (domain.Task, error) {
	return c.base.GetTask(ctx, userID, id)
}

func (c *Cache) CreateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	created, err := c.base.CreateTask(ctx, task)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, task.UserID)
	return created, nil
}

func (c *Cache) UpdateTask(ctx context.Context, userID, id string, patch domain.TaskPatch) (domain.Task, error) {
	updated, err := c.base.UpdateTask(ctx, userID, id, patch)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, userID)
	return updated, nil
}

func (c *Cache) DeleteTask(ctx context.Context, userID, id string) error {
	if err := c.base.DeleteTask(ctx, userID, id); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *Cache) loadTasksFromCache(ctx context.Context, userID string) ([]domain.Task, bool) {
	if c.redis == nil || userID == "" {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) storeTasks(ctx context.Context, userID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(userID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, tasksCacheKey(userID)).Result()
}

func tasksCacheKey(userID string) string {
	return "tasks:" + userID
}
