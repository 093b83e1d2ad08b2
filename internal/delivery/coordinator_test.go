package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/obs"
)

type fakeStore struct {
	mu       sync.Mutex
	inserted []chat.Message
	previews map[string]string
	err      error
	roomErr  error
	// before runs inside InsertMessage, before the record is returned.
	before func(stored chat.Message)
	noEcho bool
}

func (f *fakeStore) InsertMessage(_ context.Context, m chat.Message) (chat.Message, error) {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return chat.Message{}, f.err
	}
	m.ID = "42"
	m.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.UpdatedAt = m.CreatedAt
	f.inserted = append(f.inserted, m)
	before := f.before
	f.mu.Unlock()

	if before != nil {
		before(m)
	}
	if f.noEcho {
		m.ClientToken = ""
	}
	return m, nil
}

func (f *fakeStore) SetLastMessage(_ context.Context, roomID, preview string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roomErr != nil {
		return f.roomErr
	}
	if f.previews == nil {
		f.previews = make(map[string]string)
	}
	f.previews[roomID] = preview
	return nil
}

func newCoordinator(f *fakeStore) *Coordinator {
	c := NewCoordinator(f, f, obs.Discard())
	c.newToken = func() string { return "tok-1" }
	return c
}

func TestSend_PromotesPendingEntry(t *testing.T) {
	f := &fakeStore{}
	c := newCoordinator(f)
	view := chat.NewView("r1")

	var diffs []chat.Diff
	out, err := c.Send(context.Background(), view, "alice", chat.Payload{Text: "hello"}, func(d chat.Diff) {
		diffs = append(diffs, d)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Message.ID != "42" || out.Token != "tok-1" || out.Preview != "hello" {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if len(diffs) != 2 {
		t.Fatalf("expected optimistic and promotion diffs, got %d", len(diffs))
	}
	if !diffs[0].Upserted[0].Pending {
		t.Error("first diff should carry the pending entry")
	}
	if len(diffs[1].Removed) != 1 || diffs[1].Upserted[0].ID != "42" {
		t.Errorf("second diff should promote the entry: %+v", diffs[1])
	}

	snap := view.Snapshot()
	if len(snap) != 1 || snap[0].ID != "42" || snap[0].Pending {
		t.Errorf("view should hold exactly the stored message: %+v", snap)
	}
	if f.previews["r1"] != "hello" {
		t.Errorf("last message not updated: %v", f.previews)
	}
}

func TestSend_EchoBeforeAckShowsOnce(t *testing.T) {
	view := chat.NewView("r1")
	f := &fakeStore{}
	// The push echo lands while the insert call is still in flight.
	f.before = func(stored chat.Message) {
		view.Merge(chat.Event{Kind: chat.EventInsert, Message: stored})
	}
	c := newCoordinator(f)

	if _, err := c.Send(context.Background(), view, "alice", chat.Payload{Text: "hello"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := view.Len(); n != 1 {
		t.Fatalf("expected one entry, got %d", n)
	}
	if view.PendingCount() != 0 {
		t.Error("pending entry should be gone")
	}
}

func TestSend_StoreWithoutTokenEcho(t *testing.T) {
	view := chat.NewView("r1")
	f := &fakeStore{noEcho: true}
	c := newCoordinator(f)

	if _, err := c.Send(context.Background(), view, "alice", chat.Payload{Text: "hello"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Len() != 1 || view.PendingCount() != 0 {
		t.Errorf("expected one promoted entry, got len=%d pending=%d", view.Len(), view.PendingCount())
	}
}

func TestSend_FailureWithdrawsPending(t *testing.T) {
	view := chat.NewView("r1")
	f := &fakeStore{err: errors.New("insert refused")}
	c := newCoordinator(f)

	var diffs []chat.Diff
	_, err := c.Send(context.Background(), view, "alice", chat.Payload{Text: "hello"}, func(d chat.Diff) {
		diffs = append(diffs, d)
	})
	if !errors.Is(err, ErrSubmission) {
		t.Fatalf("expected ErrSubmission, got %v", err)
	}
	if view.Len() != 0 {
		t.Errorf("view should be empty after a failed send, got %d", view.Len())
	}
	if len(diffs) != 2 || len(diffs[1].Removed) != 1 || diffs[1].Removed[0].ClientToken != "tok-1" {
		t.Errorf("expected insert then withdrawal diffs, got %+v", diffs)
	}
	if len(f.previews) != 0 {
		t.Error("failed send must not touch the last message")
	}
}

func TestSend_EmptyPayloadIsNoop(t *testing.T) {
	view := chat.NewView("r1")
	f := &fakeStore{}
	c := newCoordinator(f)

	out, err := c.Send(context.Background(), view, "alice", chat.Payload{}, nil)
	if !errors.Is(err, chat.ErrEmptyPayload) || !out.Skipped {
		t.Fatalf("expected skipped empty send, got %+v %v", out, err)
	}
	if len(f.inserted) != 0 || view.Len() != 0 {
		t.Error("empty send must not touch the store or the view")
	}
}

func TestSend_InvalidPayload(t *testing.T) {
	view := chat.NewView("r1")
	f := &fakeStore{}
	c := newCoordinator(f)

	_, err := c.Send(context.Background(), view, "alice", chat.Payload{Text: "a", ContactUserID: "bob"}, nil)
	if !errors.Is(err, chat.ErrMultiplePayloads) {
		t.Fatalf("expected ErrMultiplePayloads, got %v", err)
	}
	if len(f.inserted) != 0 {
		t.Error("invalid send must not be submitted")
	}
}

func TestSend_LastMessageFailureIsNotSurfaced(t *testing.T) {
	view := chat.NewView("r1")
	f := &fakeStore{roomErr: errors.New("rooms table locked")}
	c := newCoordinator(f)

	out, err := c.Send(context.Background(), view, "alice", chat.Payload{ImageURL: "http://x/a.png"}, nil)
	if err != nil {
		t.Fatalf("last message failure should be logged only, got %v", err)
	}
	if out.Preview != "📷 Image" {
		t.Errorf("preview = %q", out.Preview)
	}
}

func TestSend_ClosedView(t *testing.T) {
	view := chat.NewView("r1")
	view.Close()
	f := &fakeStore{}
	c := newCoordinator(f)

	if _, err := c.Send(context.Background(), view, "alice", chat.Payload{Text: "x"}, nil); !errors.Is(err, chat.ErrViewClosed) {
		t.Fatalf("expected ErrViewClosed, got %v", err)
	}
	if len(f.inserted) != 0 {
		t.Error("send on a closed view must not be submitted")
	}
}

func TestSend_ViewClosedWhileInFlight(t *testing.T) {
	view := chat.NewView("r1")
	f := &fakeStore{}
	f.before = func(chat.Message) { view.Close() }
	c := newCoordinator(f)

	out, err := c.Send(context.Background(), view, "alice", chat.Payload{Text: "x"}, nil)
	if err != nil {
		t.Fatalf("persisted send should succeed even if the view closed: %v", err)
	}
	if out.Message.ID != "42" {
		t.Errorf("unexpected outcome: %+v", out)
	}
}
