package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/obs"
)

type fakeFetcher struct {
	mu    sync.Mutex
	msgs  []chat.Message
	err   error
	calls int
}

func (f *fakeFetcher) ListMessages(_ context.Context, _ string) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]chat.Message(nil), f.msgs...), nil
}

func (f *fakeFetcher) set(msgs []chat.Message, err error) {
	f.mu.Lock()
	f.msgs, f.err = msgs, err
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func message(id string, sec int) chat.Message {
	ts := time.Unix(1700000000+int64(sec), 0).UTC()
	return chat.Message{ID: id, RoomID: "r1", CreatedAt: ts, UpdatedAt: ts, Payload: chat.Payload{Text: id}}
}

func TestPollOnce_FillsMissedMessage(t *testing.T) {
	view := chat.NewView("r1")
	view.Merge(chat.Event{Kind: chat.EventInsert, Message: message("1", 1)})
	view.Merge(chat.Event{Kind: chat.EventInsert, Message: message("3", 3)})

	f := &fakeFetcher{msgs: []chat.Message{message("1", 1), message("2", 2), message("3", 3)}}
	var diffs []chat.Diff
	r := New(f, view, func(d chat.Diff) { diffs = append(diffs, d) }, WithLogger(obs.Discard()))

	d, err := r.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.Upserted) != 1 || d.Upserted[0].ID != "2" {
		t.Errorf("expected missed message in diff, got %+v", d.Upserted)
	}
	if len(diffs) != 1 {
		t.Errorf("expected onDiff once, got %d", len(diffs))
	}

	// A second identical poll changes nothing and does not notify.
	r.PollOnce(context.Background())
	if len(diffs) != 1 {
		t.Errorf("no-op poll should not notify, got %d calls", len(diffs))
	}
	if view.Len() != 3 {
		t.Errorf("expected 3 messages, got %d", view.Len())
	}
}

func TestPollOnce_FailureKeepsView(t *testing.T) {
	view := chat.NewView("r1")
	view.Merge(chat.Event{Kind: chat.EventInsert, Message: message("1", 1)})

	f := &fakeFetcher{err: errors.New("db down")}
	r := New(f, view, nil, WithLogger(obs.Discard()))

	if _, err := r.PollOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if view.Len() != 1 {
		t.Errorf("failed poll must not change the view, got %d entries", view.Len())
	}
}

func TestPollOnce_ClosedView(t *testing.T) {
	view := chat.NewView("r1")
	view.Close()
	f := &fakeFetcher{}
	r := New(f, view, nil, WithLogger(obs.Discard()))

	if _, err := r.PollOnce(context.Background()); !errors.Is(err, chat.ErrViewClosed) {
		t.Fatalf("expected ErrViewClosed, got %v", err)
	}
	if f.callCount() != 0 {
		t.Errorf("closed view should not be fetched, got %d calls", f.callCount())
	}
}

func TestRun_PollsOnIntervalAndRecovers(t *testing.T) {
	view := chat.NewView("r1")
	f := &fakeFetcher{err: errors.New("transient")}
	r := New(f, view, nil, WithInterval(10*time.Millisecond), WithLogger(obs.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	f.set([]chat.Message{message("1", 1)}, nil)

	for view.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if view.Len() != 1 {
		t.Fatalf("expected the loop to recover after failures, view has %d entries", view.Len())
	}
}

func TestRun_TriggerPollsImmediately(t *testing.T) {
	view := chat.NewView("r1")
	f := &fakeFetcher{msgs: []chat.Message{message("1", 1)}}
	r := New(f, view, nil, WithInterval(time.Hour), WithLogger(obs.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Trigger()
	r.Trigger()

	deadline := time.Now().Add(2 * time.Second)
	for view.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if view.Len() != 1 {
		t.Fatal("trigger did not cause a poll")
	}
}

func TestRun_StopsWhenViewCloses(t *testing.T) {
	view := chat.NewView("r1")
	f := &fakeFetcher{}
	r := New(f, view, nil, WithInterval(5*time.Millisecond), WithLogger(obs.Discard()))

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()
	view.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the view closed")
	}
}
