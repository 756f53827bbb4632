package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
	"quizo-leaderboard/internal/domain"
)

// QuizLoader fetches quiz content from its backing store.
type QuizLoader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizCache shares graded quiz content between instances.
// Each quiz is stored as JSON under quiz:{quizID} with a jittered TTL and
// loaded through the loader on a miss.
type QuizCache struct {
	client *redis.Client
	loader QuizLoader
	ttl    time.Duration
	group  singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewQuizCache(client *redis.Client, loader QuizLoader, ttl time.Duration) *QuizCache {
	return &QuizCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *QuizCache) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	if quiz, ok := c.cached(ctx, quizID); ok {
		return quiz, nil
	}

	v, err, _ := c.group.Do(quizID, func() (any, error) {
		if quiz, ok := c.cached(ctx, quizID); ok {
			return quiz, nil
		}
		quiz, err := c.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return domain.Quiz{}, err
		}
		if raw, err := json.Marshal(quiz); err == nil && c.ttl > 0 {
			// A failed write only costs a reload later.
			_ = c.client.Set(ctx, quizKey(quizID), raw, c.ttlWithJitter()).Err()
		}
		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, fmt.Errorf("get quiz %s: %w", quizID, err)
	}
	return v.(domain.Quiz), nil
}

// Invalidate removes a cached quiz.
func (c *QuizCache) Invalidate(ctx context.Context, quizID string) error {
	return c.client.Del(ctx, quizKey(quizID)).Err()
}

func (c *QuizCache) cached(ctx context.Context, quizID string) (domain.Quiz, bool) {
	// Any read error, redis.Nil included, falls through to the loader.
	raw, err := c.client.Get(ctx, quizKey(quizID)).Bytes()
	if err != nil {
		return domain.Quiz{}, false
	}
	var quiz domain.Quiz
	if err := json.Unmarshal(raw, &quiz); err != nil {
		return domain.Quiz{}, false
	}
	return quiz, true
}

func (c *QuizCache) ttlWithJitter() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

func quizKey(quizID string) string {
	return "quiz:" + quizID
}
