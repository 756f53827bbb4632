package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"quizo-leaderboard/internal/domain"
)

func TestQuizCacheCaches(t *testing.T) {
	loader := &countingLoader{QuizLoader: NewStaticQuizLoader(SampleQuizzes())}
	cache := NewQuizCache(loader, time.Minute)

	_, err := cache.GetQuiz(context.Background(), "quiz-1")
	require.NoError(t, err)
	_, err = cache.GetQuiz(context.Background(), "quiz-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, loader.calls.Load())

	cache.Invalidate("quiz-1")
	_, err = cache.GetQuiz(context.Background(), "quiz-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, loader.calls.Load())
}

func TestQuizCacheExpires(t *testing.T) {
	loader := &countingLoader{QuizLoader: NewStaticQuizLoader(SampleQuizzes())}
	cache := NewQuizCache(loader, time.Minute)
	now := time.Date(2024, 11, 22, 10, 0, 0, 0, time.UTC)
	cache.clock = func() time.Time { return now }

	_, err := cache.GetQuiz(context.Background(), "quiz-1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = cache.GetQuiz(context.Background(), "quiz-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, loader.calls.Load())
}

func TestQuizCacheSharesConcurrentMisses(t *testing.T) {
	release := make(chan struct{})
	loader := &countingLoader{QuizLoader: NewStaticQuizLoader(SampleQuizzes()), gate: release}
	cache := NewQuizCache(loader, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.GetQuiz(context.Background(), "quiz-1")
			assert.NoError(t, err)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, loader.calls.Load())
}

func TestQuizCacheUnknownQuiz(t *testing.T) {
	cache := NewQuizCache(NewStaticQuizLoader(nil), time.Minute)
	_, err := cache.GetQuiz(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrQuizNotFound)
}

type countingLoader struct {
	QuizLoader
	calls atomic.Int32
	gate  chan struct{}
}

func (l *countingLoader) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	l.calls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	return l.QuizLoader.LoadQuiz(ctx, quizID)
}
