package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// notificationSource is a connection already LISTENing on ChangesChannel.
type notificationSource interface {
	WaitForNotification(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

type dialFunc func(ctx context.Context) (notificationSource, error)

// changeFeed shares one LISTEN connection among all live queries of a store
// and fans notifications out by competition id. The connection is opened
// with the first subscriber and closed once the last one leaves.
type changeFeed struct {
	dial dialFunc

	mu   sync.Mutex
	subs map[*feedSub]struct{}
	run  *feedRun
}

type feedRun struct {
	cancel context.CancelFunc
	// ready is closed once LISTEN is established or dialing failed with err.
	ready chan struct{}
	err   error
}

type feedSub struct {
	competitionID string
	scoped        bool
	run           *feedRun
	changed       chan struct{}
	failed        chan error
}

func newChangeFeed(dial dialFunc) *changeFeed {
	return &changeFeed{dial: dial, subs: make(map[*feedSub]struct{})}
}

// join registers a subscriber and starts the listener if none is running.
func (f *changeFeed) join(competitionID string, scoped bool) *feedSub {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.run == nil {
		ctx, cancel := context.WithCancel(context.Background())
		f.run = &feedRun{cancel: cancel, ready: make(chan struct{})}
		go f.loop(ctx, f.run)
	}
	sub := &feedSub{
		competitionID: competitionID,
		scoped:        scoped,
		run:           f.run,
		changed:       make(chan struct{}, 1),
		failed:        make(chan error, 1),
	}
	f.subs[sub] = struct{}{}
	return sub
}

func (f *changeFeed) leave(sub *feedSub) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.subs, sub)
	if len(f.subs) == 0 && f.run != nil {
		f.run.cancel()
		f.run = nil
	}
}

// listeners reports how many subscribers are registered.
func (f *changeFeed) listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *changeFeed) loop(ctx context.Context, run *feedRun) {
	src, err := f.dial(ctx)
	if err != nil {
		f.fail(run, err)
		run.err = err
		close(run.ready)
		return
	}
	close(run.ready)
	defer func() { _ = src.Close(context.Background()) }()

	for {
		payload, err := src.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.fail(run, fmt.Errorf("wait for notification: %w", err))
			}
			return
		}
		f.dispatch(run, payload)
	}
}

func (f *changeFeed) dispatch(run *feedRun, competitionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.subs {
		if sub.run != run || (sub.scoped && sub.competitionID != competitionID) {
			continue
		}
		select {
		case sub.changed <- struct{}{}:
		default:
			// A change is already pending; one re-query covers both.
		}
	}
}

// fail ends every subscriber of run. The next join starts a fresh listener.
func (f *changeFeed) fail(run *feedRun, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.run == run {
		f.run = nil
	}
	for sub := range f.subs {
		if sub.run != run {
			continue
		}
		delete(f.subs, sub)
		sub.failed <- err
	}
}

// poolDialer takes a connection out of pool for good. It is closed rather
// than released, so no pooled connection is left LISTENing.
func poolDialer(pool *pgxpool.Pool) dialFunc {
	return func(ctx context.Context) (notificationSource, error) {
		pc, err := pool.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire listen connection: %w", err)
		}
		conn := pc.Hijack()
		if _, err := conn.Exec(ctx, "LISTEN "+ChangesChannel); err != nil {
			_ = conn.Close(context.Background())
			return nil, fmt.Errorf("listen: %w", err)
		}
		return listenConn{conn: conn}, nil
	}
}

type listenConn struct {
	conn *pgx.Conn
}

func (c listenConn) WaitForNotification(ctx context.Context) (string, error) {
	n, err := c.conn.WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	return n.Payload, nil
}

func (c listenConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
