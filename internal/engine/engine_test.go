package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/whisper/relay/internal/auth"
	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/delivery"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/obs"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/store"
)

type recordingSink struct {
	mu        sync.Mutex
	snapshots [][]chat.Message
	diffs     []chat.Diff
	presence  []presence.Entry
	statuses  []messaging.Status
}

func (s *recordingSink) Snapshot(_ string, msgs []chat.Message) {
	s.mu.Lock()
	s.snapshots = append(s.snapshots, msgs)
	s.mu.Unlock()
}

func (s *recordingSink) ViewChanged(_ string, d chat.Diff) {
	s.mu.Lock()
	s.diffs = append(s.diffs, d)
	s.mu.Unlock()
}

func (s *recordingSink) PresenceChanged(_ string, e presence.Entry) {
	s.mu.Lock()
	s.presence = append(s.presence, e)
	s.mu.Unlock()
}

func (s *recordingSink) ChannelStatus(_ string, st messaging.Status, _ error) {
	s.mu.Lock()
	s.statuses = append(s.statuses, st)
	s.mu.Unlock()
}

func (s *recordingSink) sawStatus(st messaging.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, got := range s.statuses {
		if got == st {
			return true
		}
	}
	return false
}

func (s *recordingSink) lastPresence() (presence.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.presence) == 0 {
		return presence.Entry{}, false
	}
	return s.presence[len(s.presence)-1], true
}

type fixture struct {
	bus     *messaging.MemoryBus
	mem     *store.Memory
	repo    *store.Notifier
	engine  *Engine
	tracker *presence.Tracker
	room    chat.Room
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := obs.Discard()

	bus := messaging.NewMemoryBus()
	mem := store.NewMemory()
	repo := store.NewNotifier(mem, bus, logger)
	for _, id := range []string{"alice", "bob", "carol"} {
		if _, err := repo.UpsertProfile(ctx, chat.Participant{ID: id, Name: id}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	room, err := repo.CreateRoom(ctx, chat.NewPair("alice", "bob"), nil)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	tracker := presence.NewTracker(repo, logger)
	coord := delivery.NewCoordinator(repo, repo, logger)
	eng := New(cfg, repo, bus, coord, tracker, logger)

	t.Cleanup(bus.Close)
	return &fixture{bus: bus, mem: mem, repo: repo, engine: eng, tracker: tracker, room: room}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOpen_RejectsNonMember(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.engine.Open(context.Background(), auth.Identity{UserID: "carol"}, f.room.ID, &recordingSink{})
	if !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
}

func TestOpen_UnknownRoom(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.engine.Open(context.Background(), auth.Identity{UserID: "alice"}, "missing", &recordingSink{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpen_SendsInitialSnapshot(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		if _, err := f.repo.InsertMessage(ctx, chat.Message{RoomID: f.room.ID, SenderID: "bob", Payload: chat.Payload{Text: text}}); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}

	sink := &recordingSink{}
	s, err := f.engine.Open(ctx, auth.Identity{UserID: "alice"}, f.room.ID, sink)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.snapshots) != 1 || len(sink.snapshots[0]) != 2 {
		t.Fatalf("expected one snapshot of 2 messages, got %+v", sink.snapshots)
	}
	if sink.snapshots[0][0].Payload.Text != "one" {
		t.Errorf("snapshot not in order: %+v", sink.snapshots[0])
	}
	if s.Counterpart() != "bob" {
		t.Errorf("Counterpart() = %q, want bob", s.Counterpart())
	}
}

// orderSink records the order of snapshot and status callbacks, and can
// run a hook while the snapshot is being delivered.
type orderSink struct {
	recordingSink
	onSnapshot func()

	logMu sync.Mutex
	log   []string
}

func (s *orderSink) Snapshot(roomID string, msgs []chat.Message) {
	s.logMu.Lock()
	s.log = append(s.log, "snapshot")
	s.logMu.Unlock()
	s.recordingSink.Snapshot(roomID, msgs)
	if s.onSnapshot != nil {
		s.onSnapshot()
	}
}

func (s *orderSink) ChannelStatus(roomID string, st messaging.Status, err error) {
	s.logMu.Lock()
	s.log = append(s.log, "status:"+string(st))
	s.logMu.Unlock()
	s.recordingSink.ChannelStatus(roomID, st, err)
}

func TestOpen_SnapshotPrecedesStatusAndCatchesLateCommits(t *testing.T) {
	f := newFixture(t, Config{MessagePollInterval: time.Hour})
	ctx := context.Background()

	sink := &orderSink{}
	sink.onSnapshot = func() {
		// Committed after the initial fetch, before any poll could run.
		if _, err := f.repo.InsertMessage(ctx, chat.Message{RoomID: f.room.ID, SenderID: "bob", Payload: chat.Payload{Text: "late"}}); err != nil {
			t.Errorf("InsertMessage: %v", err)
		}
	}
	s, err := f.engine.Open(ctx, auth.Identity{UserID: "alice"}, f.room.ID, sink)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	waitFor(t, "late message", func() bool { return len(s.Snapshot()) == 1 })

	sink.logMu.Lock()
	defer sink.logMu.Unlock()
	if len(sink.log) < 2 || sink.log[0] != "snapshot" || sink.log[1] != "status:"+string(messaging.StatusSubscribed) {
		t.Fatalf("unexpected callback order %v", sink.log)
	}
}

func TestSession_ReceivesPushedMessages(t *testing.T) {
	f := newFixture(t, Config{MessagePollInterval: time.Hour})
	ctx := context.Background()

	sink := &recordingSink{}
	s, err := f.engine.Open(ctx, auth.Identity{UserID: "alice"}, f.room.ID, sink)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := f.repo.InsertMessage(ctx, chat.Message{RoomID: f.room.ID, SenderID: "bob", Payload: chat.Payload{Text: "hey"}}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	waitFor(t, "pushed message", func() bool { return len(s.Snapshot()) == 1 })

	// The same change arriving again through a poll is a no-op.
	if _, err := s.recon.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n := len(s.Snapshot()); n != 1 {
		t.Fatalf("expected 1 message after poll, got %d", n)
	}
}

func TestSession_SendShowsOnceAndUpdatesPreview(t *testing.T) {
	f := newFixture(t, Config{MessagePollInterval: time.Hour})
	ctx := context.Background()

	sink := &recordingSink{}
	s, err := f.engine.Open(ctx, auth.Identity{UserID: "alice"}, f.room.ID, sink)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	out, err := s.Send(ctx, chat.Payload{Text: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if out.Message.ID == "" {
		t.Fatal("expected persisted message ID")
	}

	// The pushed echo of our own insert must not add a second entry.
	time.Sleep(20 * time.Millisecond)
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].ID != out.Message.ID {
		t.Fatalf("expected exactly the sent message, got %+v", snap)
	}

	room, err := f.repo.GetRoom(ctx, f.room.ID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if room.LastMessage != "hello" {
		t.Errorf("LastMessage = %q, want hello", room.LastMessage)
	}
}

func TestSession_DeleteRemovesFromView(t *testing.T) {
	f := newFixture(t, Config{MessagePollInterval: time.Hour})
	ctx := context.Background()

	m, err := f.repo.InsertMessage(ctx, chat.Message{RoomID: f.room.ID, SenderID: "bob", Payload: chat.Payload{Text: "oops"}})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	s, err := f.engine.Open(ctx, auth.Identity{UserID: "alice"}, f.room.ID, &recordingSink{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := f.repo.DeleteMessage(ctx, m.ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	waitFor(t, "delete", func() bool { return len(s.Snapshot()) == 0 })
}

func TestSession_ChannelErrorTriggersPoll(t *testing.T) {
	f := newFixture(t, Config{MessagePollInterval: time.Hour})
	ctx := context.Background()

	sink := &recordingSink{}
	s, err := f.engine.Open(ctx, auth.Identity{UserID: "alice"}, f.room.ID, sink)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	// Written behind the bus's back, so only a poll can find it.
	if _, err := f.mem.InsertMessage(ctx, chat.Message{RoomID: f.room.ID, SenderID: "bob", Payload: chat.Payload{Text: "missed"}}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	f.bus.SetStatus(messaging.StatusChannelError, errors.New("link down"))

	waitFor(t, "poll after channel error", func() bool { return len(s.Snapshot()) == 1 })
	if !sink.sawStatus(messaging.StatusChannelError) {
		t.Error("sink was not told about the channel error")
	}
}

func TestOpen_SubscribeFailureFallsBackToPoll(t *testing.T) {
	f := newFixture(t, Config{MessagePollInterval: 20 * time.Millisecond})
	ctx := context.Background()
	f.bus.FailSubscribe(messaging.ErrTimedOut)

	sink := &recordingSink{}
	s, err := f.engine.Open(ctx, auth.Identity{UserID: "alice"}, f.room.ID, sink)
	if err != nil {
		t.Fatalf("Open should not fail on subscribe error: %v", err)
	}
	defer s.Close()

	if !sink.sawStatus(messaging.StatusTimedOut) {
		t.Error("expected TIMED_OUT status")
	}

	if _, err := f.mem.InsertMessage(ctx, chat.Message{RoomID: f.room.ID, SenderID: "bob", Payload: chat.Payload{Text: "late"}}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	waitFor(t, "poll", func() bool { return len(s.Snapshot()) == 1 })
}

func TestSession_CounterpartPresence(t *testing.T) {
	f := newFixture(t, Config{MessagePollInterval: time.Hour})
	ctx := context.Background()

	sink := &recordingSink{}
	s, err := f.engine.Open(ctx, auth.Identity{UserID: "alice"}, f.room.ID, sink)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	waitFor(t, "initial presence", func() bool {
		e, ok := sink.lastPresence()
		return ok && e.State == presence.StateOffline
	})

	if err := f.tracker.SessionStarted(ctx, "bob"); err != nil {
		t.Fatalf("SessionStarted: %v", err)
	}
	waitFor(t, "bob online", func() bool {
		e, ok := sink.lastPresence()
		return ok && e.State == presence.StateOnline && e.Profile.ID == "bob"
	})

	// Another user's change is not forwarded to this room.
	if err := f.tracker.SessionStarted(ctx, "carol"); err != nil {
		t.Fatalf("SessionStarted: %v", err)
	}
	if e, _ := sink.lastPresence(); e.Profile.ID != "bob" {
		t.Errorf("unexpected presence for %q", e.Profile.ID)
	}

	entry, err := s.RefreshPresence(ctx)
	if err != nil {
		t.Fatalf("RefreshPresence: %v", err)
	}
	if entry.State != presence.StateOnline {
		t.Errorf("RefreshPresence state = %v, want online", entry.State)
	}
}

func TestClose_StopsDelivery(t *testing.T) {
	f := newFixture(t, Config{MessagePollInterval: time.Hour})
	ctx := context.Background()

	sink := &recordingSink{}
	s, err := f.engine.Open(ctx, auth.Identity{UserID: "alice"}, f.room.ID, sink)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()
	s.Close()

	if n := f.bus.Subscribers(messaging.RoomSubject(f.room.ID)); n != 0 {
		t.Fatalf("expected no room subscribers after Close, got %d", n)
	}
	if n := f.bus.Subscribers(messaging.PresenceSubject("bob")); n != 0 {
		t.Fatalf("expected no presence subscribers after Close, got %d", n)
	}
	if got := f.tracker.Tracked(); len(got) != 0 {
		t.Errorf("expected nothing tracked, got %v", got)
	}

	sink.mu.Lock()
	before := len(sink.diffs)
	sink.mu.Unlock()

	if _, err := f.repo.InsertMessage(ctx, chat.Message{RoomID: f.room.ID, SenderID: "bob", Payload: chat.Payload{Text: "after"}}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if _, err := s.Send(ctx, chat.Payload{Text: "too late"}); !errors.Is(err, chat.ErrViewClosed) {
		t.Errorf("Send after Close: expected ErrViewClosed, got %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.diffs) != before {
		t.Errorf("diffs delivered after Close: %d -> %d", before, len(sink.diffs))
	}
}

// replaySink rebuilds the visible view from the diffs it receives, the way a
// client does.
type replaySink struct {
	recordingSink
	mu    sync.Mutex
	state map[string]chat.Message
}

func newReplaySink() *replaySink {
	return &replaySink{state: make(map[string]chat.Message)}
}

func replayKey(id, token string) string {
	if id != "" {
		return "id:" + id
	}
	return "tok:" + token
}

func (s *replaySink) Snapshot(_ string, msgs []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.state[replayKey(m.ID, m.ClientToken)] = m
	}
}

func (s *replaySink) ViewChanged(_ string, d chat.Diff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range d.Removed {
		delete(s.state, replayKey(r.ID, r.ClientToken))
	}
	for _, m := range d.Upserted {
		s.state[replayKey(m.ID, m.ClientToken)] = m
	}
}

func (s *replaySink) keys() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.state))
	for k := range s.state {
		out[k] = true
	}
	return out
}

func TestSession_ClientStateMatchesViewUnderRacingPollAndPush(t *testing.T) {
	f := newFixture(t, Config{MessagePollInterval: time.Hour})
	ctx := context.Background()

	sink := newReplaySink()
	s, err := f.engine.Open(ctx, auth.Identity{UserID: "alice"}, f.room.ID, sink)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 200; i++ {
		// Stored without a push, so the poll and the DELETE event race for it.
		m, err := f.mem.InsertMessage(ctx, chat.Message{RoomID: f.room.ID, SenderID: "bob", Payload: chat.Payload{Text: "x"}})
		if err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.recon.PollOnce(ctx)
		}()
		go func() {
			defer wg.Done()
			f.repo.DeleteMessage(ctx, m.ID)
		}()
		wg.Wait()
		waitFor(t, "delete to land", func() bool { return len(s.Snapshot()) == 0 })
	}

	// Keep a survivor so the comparison is not trivially empty.
	kept, err := f.repo.InsertMessage(ctx, chat.Message{RoomID: f.room.ID, SenderID: "bob", Payload: chat.Payload{Text: "kept"}})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	waitFor(t, "survivor", func() bool { return len(s.Snapshot()) == 1 })

	got := sink.keys()
	if len(got) != 1 || !got[replayKey(kept.ID, "")] {
		t.Fatalf("client state %v diverged from view %v", got, s.Snapshot())
	}
}
