package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"quizo-leaderboard/internal/app"
	"quizo-leaderboard/internal/config"
	"quizo-leaderboard/internal/infra/memory"
	transport "quizo-leaderboard/internal/transport/http"
)

func TestWatchURL(t *testing.T) {
	tests := []struct {
		server string
		token  string
		want   string
	}{
		{"http://localhost:8080", "", "ws://localhost:8080/ws/leaderboard?competitionId=c+1"},
		{"https://lb.example.com", "tok", "wss://lb.example.com/ws/leaderboard?competitionId=c+1&token=tok"},
		{"ws://10.0.0.1:9000/ignored", "", "ws://10.0.0.1:9000/ws/leaderboard?competitionId=c+1"},
	}
	for _, tt := range tests {
		got, err := watchURL(tt.server, "c 1", tt.token)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := watchURL("ftp://nope", "c1", "")
	assert.Error(t, err)
}

func TestWatchRendersLiveFrames(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := memory.NewParticipantStore()
	quizzes := memory.NewQuizCache(memory.NewStaticQuizLoader(memory.SampleQuizzes()), time.Minute)
	service := app.NewCompetitionService(store, quizzes, zaptest.NewLogger(t))
	_, err := service.Join(context.Background(), "c1", "quiz-1", "u1", "Ann")
	require.NoError(t, err)

	router := transport.NewRouter(config.Default(), transport.Dependencies{
		Service: service,
		Source:  store,
		Logger:  zaptest.NewLogger(t),
	})
	server := httptest.NewServer(router)
	defer server.Close()

	target, err := watchURL(server.URL, "c1", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- watchLeaderboard(ctx, out, &syncBuffer{}, target) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Ann") }, 5*time.Second, 20*time.Millisecond)

	_, err = service.Join(context.Background(), "c1", "quiz-1", "u2", "Bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Bob") }, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
