package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"quizo-leaderboard/internal/domain"
)

// QuizLoader fetches quiz content from its backing store.
type QuizLoader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizCache keeps graded quiz content in process with a jittered TTL.
// Concurrent misses for the same quiz share one loader call.
type QuizCache struct {
	loader QuizLoader
	ttl    time.Duration
	clock  func() time.Time
	group  singleflight.Group

	mu      sync.Mutex
	rnd     *rand.Rand
	entries map[string]quizEntry
}

type quizEntry struct {
	quiz      domain.Quiz
	expiresAt time.Time
}

func NewQuizCache(loader QuizLoader, ttl time.Duration) *QuizCache {
	return &QuizCache{
		loader:  loader,
		ttl:     ttl,
		clock:   time.Now,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		entries: make(map[string]quizEntry),
	}
}

func (c *QuizCache) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	if quiz, ok := c.lookup(quizID); ok {
		return quiz, nil
	}

	v, err, _ := c.group.Do(quizID, func() (any, error) {
		if quiz, ok := c.lookup(quizID); ok {
			return quiz, nil
		}
		quiz, err := c.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return domain.Quiz{}, err
		}
		c.store(quizID, quiz)
		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, fmt.Errorf("get quiz %s: %w", quizID, err)
	}
	return v.(domain.Quiz), nil
}

// Invalidate drops a cached quiz so the next read goes to the loader.
func (c *QuizCache) Invalidate(quizID string) {
	c.mu.Lock()
	delete(c.entries, quizID)
	c.mu.Unlock()
}

func (c *QuizCache) lookup(quizID string) (domain.Quiz, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[quizID]
	if !ok || !entry.expiresAt.After(c.clock()) {
		return domain.Quiz{}, false
	}
	return entry.quiz, true
}

func (c *QuizCache) store(quizID string, quiz domain.Quiz) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return
	}
	// up to 10% jitter spreads expirations of quizzes loaded together
	jitter := time.Duration(c.rnd.Int63n(int64(c.ttl)/10 + 1))
	c.entries[quizID] = quizEntry{quiz: quiz, expiresAt: c.clock().Add(c.ttl + jitter)}
}

// StaticQuizLoader serves quizzes from a fixed map. Used for demos and tests.
type StaticQuizLoader struct {
	quizzes map[string]domain.Quiz
}

func NewStaticQuizLoader(quizzes map[string]domain.Quiz) *StaticQuizLoader {
	return &StaticQuizLoader{quizzes: quizzes}
}

func (l *StaticQuizLoader) LoadQuiz(_ context.Context, quizID string) (domain.Quiz, error) {
	if quiz, ok := l.quizzes[quizID]; ok {
		return quiz, nil
	}
	return domain.Quiz{}, domain.ErrQuizNotFound
}

// SampleQuizzes is the quiz set served when no database is configured.
func SampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID: "quiz-1",
			Questions: []domain.Question{
				{
					ID:     "q1",
					Prompt: "What is 2 + 2?",
					Options: []domain.Option{
						{ID: "o1", Text: "3"},
						{ID: "o2", Text: "4", Correct: true},
						{ID: "o3", Text: "5"},
					},
					Points: 1,
				},
				{
					ID:     "q2",
					Prompt: "Which planet is closest to the sun?",
					Options: []domain.Option{
						{ID: "o1", Text: "Mercury", Correct: true},
						{ID: "o2", Text: "Venus"},
					},
					Points: 3,
				},
			},
		},
	}
}
