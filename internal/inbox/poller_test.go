package inbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvoss/dmpilot/internal/event"
	"github.com/nvoss/dmpilot/internal/session"
	"github.com/nvoss/dmpilot/internal/storage"
)

type fakeFetcher struct {
	chats []ChatSummary
	err   error
	calls int
}

func (f *fakeFetcher) FetchInbox(ctx context.Context) ([]ChatSummary, error) {
	f.calls++
	return f.chats, f.err
}

type fakeReader struct {
	messages map[string][]storage.Message
	sinceIDs []string
}

func (f *fakeReader) ReadTranscript(ctx context.Context, chatID, sinceID string, limit int) ([]storage.Message, error) {
	f.sinceIDs = append(f.sinceIDs, sinceID)
	return f.messages[chatID], nil
}

func setupPollerDB(t *testing.T) {
	t.Helper()
	require.NoError(t, storage.Init(filepath.Join(t.TempDir(), "test.db")))
}

func collectEvents(bus *event.Bus, patterns []string) chan *event.Event {
	ch := make(chan *event.Event, 16)
	bus.Subscribe(patterns, func(evt *event.Event) {
		ch <- evt
	})
	return ch
}

func waitEvent(t *testing.T, ch chan *event.Event) *event.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("expected event was not published")
		return nil
	}
}

func TestPollRecordsAndBroadcasts(t *testing.T) {
	setupPollerDB(t)

	fetcher := &fakeFetcher{chats: []ChatSummary{{ID: "alice", Name: "alice", Preview: "hey"}}}
	reader := &fakeReader{messages: map[string][]storage.Message{
		"alice": {
			{ChatID: "alice", DedupID: "d1", Sender: "Me", Text: "hi", IsSelf: true},
			{ChatID: "alice", DedupID: "d2", Sender: "alice", Text: "hey"},
		},
	}}

	bus := event.NewBus()
	sidebarCh := collectEvents(bus, []string{"sidebar"})
	chatCh := collectEvents(bus, []string{"chat.*"})

	var inbound []storage.Message
	p := NewPoller(fetcher, reader, bus, func(chatID string, msg storage.Message) {
		inbound = append(inbound, msg)
	}, nil)

	p.poll(context.Background())

	side := waitEvent(t, sidebarCh)
	require.Len(t, side.Chats, 1)
	assert.Equal(t, "alice", side.Chats[0].ID)

	first := waitEvent(t, chatCh)
	second := waitEvent(t, chatCh)
	got := map[string]bool{first.Message.DedupID: true, second.Message.DedupID: true}
	assert.True(t, got["d1"] && got["d2"])

	require.Len(t, inbound, 1, "only the inbound message triggers the worker")
	assert.Equal(t, "d2", inbound[0].DedupID)

	stored, err := storage.GetMessages("alice", 0)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestPollSkipsUnchangedSnapshot(t *testing.T) {
	setupPollerDB(t)

	fetcher := &fakeFetcher{chats: []ChatSummary{{ID: "alice", Name: "alice", Preview: "hey"}}}
	reader := &fakeReader{messages: map[string][]storage.Message{}}

	bus := event.NewBus()
	sidebarCh := collectEvents(bus, []string{"sidebar"})

	p := NewPoller(fetcher, reader, bus, nil, nil)
	p.poll(context.Background())
	waitEvent(t, sidebarCh)

	p.poll(context.Background())
	select {
	case <-sidebarCh:
		t.Fatal("unchanged inbox must not re-broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPollDeltaUsesLastDedupID(t *testing.T) {
	setupPollerDB(t)

	_, err := storage.RecordMessage(&storage.Message{ChatID: "alice", DedupID: "d1", Sender: "alice"})
	require.NoError(t, err)

	fetcher := &fakeFetcher{chats: []ChatSummary{{ID: "alice", Name: "alice", Preview: "new"}}}
	reader := &fakeReader{messages: map[string][]storage.Message{}}

	p := NewPoller(fetcher, reader, event.NewBus(), nil, nil)
	p.poll(context.Background())

	require.Len(t, reader.sinceIDs, 1)
	assert.Equal(t, "d1", reader.sinceIDs[0])
}

func TestPollEscalatesAfterRepeatedFailures(t *testing.T) {
	setupPollerDB(t)

	fetcher := &fakeFetcher{err: errors.New("tab crashed")}

	var recovered []bool
	p := NewPoller(fetcher, &fakeReader{}, event.NewBus(), nil, func(ctx context.Context, authExpired bool) {
		recovered = append(recovered, authExpired)
	})

	ctx := context.Background()
	p.poll(ctx)
	p.poll(ctx)
	assert.Empty(t, recovered, "two failures are still transient")

	p.poll(ctx)
	require.Len(t, recovered, 1)
	assert.False(t, recovered[0])

	// Counter reset after escalation.
	p.poll(ctx)
	assert.Len(t, recovered, 1)
}

func TestPollAuthExpiredEscalatesImmediately(t *testing.T) {
	setupPollerDB(t)

	fetcher := &fakeFetcher{err: session.ErrAuthExpired}

	var recovered []bool
	p := NewPoller(fetcher, &fakeReader{}, event.NewBus(), nil, func(ctx context.Context, authExpired bool) {
		recovered = append(recovered, authExpired)
	})

	p.poll(context.Background())
	require.Len(t, recovered, 1)
	assert.True(t, recovered[0])
}

func TestTriggerCoalesces(t *testing.T) {
	p := NewPoller(&fakeFetcher{}, &fakeReader{}, event.NewBus(), nil, nil)

	p.Trigger()
	p.Trigger()
	p.Trigger()

	assert.Len(t, p.trigger, 1)
}
