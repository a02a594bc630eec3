package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	sendErr  error
	errOnce  bool
}

func (f *fakeSender) Send(ctx context.Context, chatID, text string) error {
	n := f.inFlight.Add(1)
	if n > f.maxSeen.Load() {
		f.maxSeen.Store(n)
	}
	defer f.inFlight.Add(-1)

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		err := f.sendErr
		if f.errOnce {
			f.sendErr = nil
		}
		return err
	}
	f.sent = append(f.sent, chatID+":"+text)
	return nil
}

func (f *fakeSender) MarkRead(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, "read:"+chatID)
	return nil
}

func (f *fakeSender) sentActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func runDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	return cancel
}

func TestSendsAreSerialized(t *testing.T) {
	sender := &fakeSender{delay: 10 * time.Millisecond}
	d := NewDispatcher(sender, nil, nil)
	cancel := runDispatcher(t, d)
	defer cancel()

	var wg sync.WaitGroup
	for _, chatID := range []string{"alice", "bob", "carol", "dave"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, d.SendMessage(context.Background(), id, "hi"))
		}(chatID)
	}
	wg.Wait()

	assert.Len(t, sender.sentActions(), 4)
	assert.EqualValues(t, 1, sender.maxSeen.Load(), "never more than one action in flight")
}

func TestBlockedGatesWholeQueue(t *testing.T) {
	sender := &fakeSender{sendErr: ErrBlocked, errOnce: true}
	d := NewDispatcher(sender, nil, nil)
	d.SetBackoffBase(100 * time.Millisecond)
	cancel := runDispatcher(t, d)
	defer cancel()

	err := d.SendMessage(context.Background(), "alice", "hi")
	assert.ErrorIs(t, err, ErrBlocked)
	assert.True(t, d.InBackoff())

	// The next action waits out the window, even for a different chat.
	start := time.Now()
	require.NoError(t, d.SendMessage(context.Background(), "bob", "yo"))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.False(t, d.InBackoff())
}

func TestBackoffDoublesAndResets(t *testing.T) {
	sender := &fakeSender{sendErr: ErrBlocked}
	var waits []time.Duration
	d := NewDispatcher(sender, nil, func(wait time.Duration) {
		waits = append(waits, wait)
	})
	d.SetBackoffBase(time.Millisecond)
	cancel := runDispatcher(t, d)
	defer cancel()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, d.SendMessage(ctx, "alice", "hi"), ErrBlocked)
	}
	require.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, waits)

	// A success resets the progression.
	sender.mu.Lock()
	sender.sendErr = nil
	sender.mu.Unlock()
	require.NoError(t, d.SendMessage(ctx, "alice", "hi"))

	sender.mu.Lock()
	sender.sendErr = ErrBlocked
	sender.mu.Unlock()
	assert.ErrorIs(t, d.SendMessage(ctx, "alice", "hi"), ErrBlocked)
	assert.Equal(t, time.Millisecond, waits[len(waits)-1])
}

func TestSendFailureWrapsAndNotifies(t *testing.T) {
	sender := &fakeSender{sendErr: errors.New("composer not found"), errOnce: true}
	var notified atomic.Bool
	d := NewDispatcher(sender, func() { notified.Store(true) }, nil)
	cancel := runDispatcher(t, d)
	defer cancel()

	err := d.SendMessage(context.Background(), "alice", "hi")
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.True(t, notified.Load())
	assert.False(t, d.InBackoff(), "plain failures do not open a backoff window")
}

func TestMarkRead(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, nil, nil)
	cancel := runDispatcher(t, d)
	defer cancel()

	require.NoError(t, d.MarkRead(context.Background(), "alice"))
	assert.Equal(t, []string{"read:alice"}, sender.sentActions())
}

func TestEnqueueHonorsCallerContext(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, nil, nil)
	// Not running: the queue accepts but nothing drains.

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := d.SendMessage(ctx, "alice", "hi")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
