package offload

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
)

// MemoryQueueTestSuite tests the in-process queue.
type MemoryQueueTestSuite struct {
	suite.Suite
	ctx   context.Context
	queue *MemoryQueue
}

func (s *MemoryQueueTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.queue = NewMemoryQueue()
}

func (s *MemoryQueueTestSuite) TearDownTest() {
	s.queue.Close()
}

func (s *MemoryQueueTestSuite) dequeue(timeout time.Duration) (Job, error) {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	return s.queue.Dequeue(ctx)
}

// TestDedupe tests that a known id is never queued twice.
func (s *MemoryQueueTestSuite) TestDedupe() {
	s.Require().NoError(s.queue.Enqueue(s.ctx, "a"))
	s.Require().NoError(s.queue.Enqueue(s.ctx, "a"))
	s.Equal(1, s.queue.Len())

	job, err := s.dequeue(time.Second)
	s.Require().NoError(err)
	s.Equal(Job{FileID: "a"}, job)

	// In flight: still known.
	s.Require().NoError(s.queue.Enqueue(s.ctx, "a"))
	_, err = s.dequeue(20 * time.Millisecond)
	s.ErrorIs(err, context.DeadlineExceeded)

	s.Require().NoError(s.queue.Done(s.ctx, "a"))
	s.Equal(0, s.queue.Len())
	s.Require().NoError(s.queue.Enqueue(s.ctx, "a"))
	s.Equal(1, s.queue.Len())
}

// TestFIFO tests ready order with several jobs.
func (s *MemoryQueueTestSuite) TestFIFO() {
	for _, id := range []string{"a", "b", "c"} {
		s.Require().NoError(s.queue.Enqueue(s.ctx, id))
	}
	for _, id := range []string{"a", "b", "c"} {
		job, err := s.dequeue(time.Second)
		s.Require().NoError(err)
		s.Equal(id, job.FileID)
	}
}

// TestRetryDelay tests that a retried job comes back after its delay.
func (s *MemoryQueueTestSuite) TestRetryDelay() {
	s.Require().NoError(s.queue.Enqueue(s.ctx, "a"))
	job, err := s.dequeue(time.Second)
	s.Require().NoError(err)

	job.Attempt = 1
	start := time.Now()
	s.Require().NoError(s.queue.Retry(s.ctx, job, 50*time.Millisecond))

	again, err := s.dequeue(2 * time.Second)
	s.Require().NoError(err)
	s.Equal(1, again.Attempt)
	s.GreaterOrEqual(time.Since(start), 40*time.Millisecond)
}

// TestDoneCancelsRetry tests that a finished job is not resurrected by its timer.
func (s *MemoryQueueTestSuite) TestDoneCancelsRetry() {
	s.Require().NoError(s.queue.Enqueue(s.ctx, "a"))
	job, err := s.dequeue(time.Second)
	s.Require().NoError(err)

	s.Require().NoError(s.queue.Retry(s.ctx, job, 20*time.Millisecond))
	s.Require().NoError(s.queue.Done(s.ctx, "a"))

	_, err = s.dequeue(100 * time.Millisecond)
	s.ErrorIs(err, context.DeadlineExceeded)
}

func TestMemoryQueueSuite(t *testing.T) {
	suite.Run(t, new(MemoryQueueTestSuite))
}

// RedisQueueTestSuite runs against a real Redis when LFINGEST_TEST_REDIS_ADDR is set.
type RedisQueueTestSuite struct {
	suite.Suite
	ctx    context.Context
	client *redis.Client
	queue  *RedisQueue
}

func (s *RedisQueueTestSuite) SetupTest() {
	addr := os.Getenv("LFINGEST_TEST_REDIS_ADDR")
	if addr == "" {
		s.T().Skip("LFINGEST_TEST_REDIS_ADDR not set")
	}

	s.ctx = context.Background()
	s.client = redis.NewClient(&redis.Options{Addr: addr})
	s.Require().NoError(s.client.Ping(s.ctx).Err())
	s.queue = NewRedisQueue(s.client, "lfingest-test:"+uuid.NewString(), time.Minute)
}

func (s *RedisQueueTestSuite) TearDownTest() {
	if s.client == nil {
		return
	}
	keys, _ := s.client.Keys(s.ctx, s.queue.prefix+":*").Result()
	if len(keys) > 0 {
		s.client.Del(s.ctx, keys...)
	}
	s.client.Close()
}

// TestEnqueueDequeueRetry tests dedupe, delivery and delayed retries.
func (s *RedisQueueTestSuite) TestEnqueueDequeueRetry() {
	s.Require().NoError(s.queue.Enqueue(s.ctx, "a"))
	s.Require().NoError(s.queue.Enqueue(s.ctx, "a"))

	length, err := s.client.LLen(s.ctx, s.queue.readyKey()).Result()
	s.Require().NoError(err)
	s.Equal(int64(1), length)

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	job, err := s.queue.Dequeue(ctx)
	s.Require().NoError(err)
	s.Equal("a", job.FileID)

	job.Attempt = 1
	s.Require().NoError(s.queue.Retry(s.ctx, job, 100*time.Millisecond))
	again, err := s.queue.Dequeue(ctx)
	s.Require().NoError(err)
	s.Equal(1, again.Attempt)

	s.Require().NoError(s.queue.Done(s.ctx, "a"))
	s.Require().NoError(s.queue.Enqueue(s.ctx, "a"))
	length, err = s.client.LLen(s.ctx, s.queue.readyKey()).Result()
	s.Require().NoError(err)
	s.Equal(int64(1), length)
}

func TestRedisQueueSuite(t *testing.T) {
	suite.Run(t, new(RedisQueueTestSuite))
}
