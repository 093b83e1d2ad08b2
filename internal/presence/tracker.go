// Package presence tracks whether users are online and keeps their avatar
// and name fresh. State comes from three places: periodic refreshes against
// the directory, profile updates pushed on the bus, and the local user's own
// session lifecycle.
//
// There is no lease or heartbeat. A client that disappears without ending
// its session stays online until something rewrites the flag; consumers
// accept that staleness.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/store"
)

// DefaultInterval is the periodic refresh period.
const DefaultInterval = 30 * time.Second

// ErrStale is returned when a refresh fails. The previous state is kept and
// returned alongside it.
var ErrStale = errors.New("presence: refresh failed, state may be stale")

// State is a user's online state.
type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	}
	return "unknown"
}

func stateOf(online bool) State {
	if online {
		return StateOnline
	}
	return StateOffline
}

// Entry is the tracked view of one user.
type Entry struct {
	Profile     chat.Participant
	State       State
	RefreshedAt time.Time
}

// Snapshot maps user ID to its entry.
type Snapshot map[string]Entry

// Directory is the profile store presence reads from and writes the local
// user's flag to.
type Directory interface {
	GetProfiles(ctx context.Context, ids []string) ([]chat.Participant, error)
	UpdateProfile(ctx context.Context, userID string, u store.ProfileUpdate) (chat.Participant, error)
}

// Tracker holds presence state for a set of tracked users.
type Tracker struct {
	dir    Directory
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	entries   map[string]Entry
	tracked   map[string]int
	listeners map[uint64]func(Entry)
	nextID    uint64
}

// NewTracker creates a Tracker reading from dir.
func NewTracker(dir Directory, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		dir:       dir,
		logger:    logger.With("component", "presence"),
		now:       time.Now,
		entries:   make(map[string]Entry),
		tracked:   make(map[string]int),
		listeners: make(map[uint64]func(Entry)),
	}
}

// Track adds ids to the periodic refresh set. The returned function removes
// them again; tracking is reference counted per id.
func (t *Tracker) Track(ids ...string) (untrack func()) {
	t.mu.Lock()
	for _, id := range ids {
		t.tracked[id]++
	}
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for _, id := range ids {
				if t.tracked[id]--; t.tracked[id] <= 0 {
					delete(t.tracked, id)
				}
			}
		})
	}
}

// Tracked returns the ids currently in the refresh set.
func (t *Tracker) Tracked() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.tracked))
	for id := range t.tracked {
		out = append(out, id)
	}
	return out
}

// OnChange registers fn for entries whose state, avatar or name changed.
func (t *Tracker) OnChange(fn func(Entry)) (remove func()) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Get returns the entry of userID.
func (t *Tracker) Get(userID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[userID]
	return e, ok
}

// Refresh reads ids from the directory. On failure it returns the current
// entries for ids together with an error wrapping ErrStale.
func (t *Tracker) Refresh(ctx context.Context, ids []string) (Snapshot, error) {
	if len(ids) == 0 {
		return Snapshot{}, nil
	}

	profiles, err := t.dir.GetProfiles(ctx, ids)
	if err != nil {
		metrics.PresenceRefreshFailures.Inc()
		return t.snapshot(ids), fmt.Errorf("%w: %w", ErrStale, err)
	}
	for _, p := range profiles {
		t.Apply(p)
	}
	return t.snapshot(ids), nil
}

// Apply records a profile update and notifies listeners if it changed
// anything visible.
func (t *Tracker) Apply(p chat.Participant) {
	if p.ID == "" {
		return
	}
	next := Entry{Profile: p, State: stateOf(p.Online), RefreshedAt: t.now()}

	t.mu.Lock()
	prev, had := t.entries[p.ID]
	t.entries[p.ID] = next
	changed := !had || prev.State != next.State ||
		prev.Profile.AvatarURL != p.AvatarURL || prev.Profile.Name != p.Name
	var fns []func(Entry)
	if changed {
		fns = make([]func(Entry), 0, len(t.listeners))
		for _, fn := range t.listeners {
			fns = append(fns, fn)
		}
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}

// SessionStarted marks userID online in the directory.
func (t *Tracker) SessionStarted(ctx context.Context, userID string) error {
	return t.setOnline(ctx, userID, true)
}

// SessionEnded marks userID offline in the directory.
func (t *Tracker) SessionEnded(ctx context.Context, userID string) error {
	return t.setOnline(ctx, userID, false)
}

func (t *Tracker) setOnline(ctx context.Context, userID string, online bool) error {
	p, err := t.dir.UpdateProfile(ctx, userID, store.ProfileUpdate{Online: &online})
	if err != nil {
		return fmt.Errorf("presence: set %s online=%v: %w", userID, online, err)
	}
	t.Apply(p)
	return nil
}

// Run refreshes the tracked users every interval until ctx is cancelled.
// Failures keep the previous state and are retried on the next tick.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids := t.Tracked()
			if len(ids) == 0 {
				continue
			}
			if _, err := t.Refresh(ctx, ids); err != nil && ctx.Err() == nil {
				t.logger.Warn("refresh failed", "users", len(ids), "error", err)
			}
		}
	}
}

func (t *Tracker) snapshot(ids []string) Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(Snapshot, len(ids))
	for _, id := range ids {
		if e, ok := t.entries[id]; ok {
			out[id] = e
		} else {
			out[id] = Entry{Profile: chat.Participant{ID: id}, State: StateUnknown}
		}
	}
	return out
}
