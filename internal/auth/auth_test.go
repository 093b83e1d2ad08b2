package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier("secret", "chatd")
	raw, err := v.Issue(Identity{UserID: "alice", Email: "a@example.com", Name: "Alice"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	id, err := v.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "alice" || id.Email != "a@example.com" || id.Name != "Alice" {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier("secret", "chatd")
	other := NewVerifier("other-secret", "chatd")
	wrongIssuer := NewVerifier("secret", "someone-else")

	expired := NewVerifier("secret", "chatd")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, _ := expired.Issue(Identity{UserID: "alice"}, time.Hour)
	forged, _ := other.Issue(Identity{UserID: "alice"}, time.Hour)
	foreign, _ := wrongIssuer.Issue(Identity{UserID: "alice"}, time.Hour)
	noSubject, _ := v.Issue(Identity{}, time.Hour)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"empty":      "",
		"garbage":    "not.a.token",
		"expired":    expiredToken,
		"forged":     forged,
		"issuer":     foreign,
		"no subject": noSubject,
		"alg none":   unsigned,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(raw); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=q", nil)
	if got := TokenFromRequest(r); got != "q" {
		t.Errorf("query token = %q", got)
	}

	r.Header.Set("Authorization", "Bearer h")
	if got := TokenFromRequest(r); got != "h" {
		t.Errorf("header token = %q", got)
	}

	r.Header.Set("Authorization", "Basic xyz")
	if got := TokenFromRequest(r); got != "" {
		t.Errorf("non-bearer header should yield no token, got %q", got)
	}
}

func TestContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context should carry no identity")
	}
	ctx := WithIdentity(context.Background(), Identity{UserID: "alice"})
	id, ok := FromContext(ctx)
	if !ok || id.UserID != "alice" {
		t.Errorf("FromContext = %+v %v", id, ok)
	}
}

func TestHub_ReferenceCounts(t *testing.T) {
	h := NewHub()
	var events []SessionEvent
	h.OnSessionChange(func(ev SessionEvent, id Identity) {
		if id.UserID == "alice" {
			events = append(events, ev)
		}
	})

	alice := Identity{UserID: "alice"}
	h.Start(alice)
	h.Start(alice)
	h.End(alice)
	if len(events) != 1 || events[0] != SessionStarted {
		t.Fatalf("second tab must not re-announce, got %v", events)
	}
	if h.Active("alice") != 1 {
		t.Errorf("Active = %d, want 1", h.Active("alice"))
	}

	h.End(alice)
	h.End(alice)
	if len(events) != 2 || events[1] != SessionEnded {
		t.Fatalf("expected started then ended, got %v", events)
	}
}

func TestHub_ReconnectDuringSlowEndKeepsUserOnline(t *testing.T) {
	h := NewHub()
	var (
		mu     sync.Mutex
		online bool
	)
	h.OnSessionChange(func(ev SessionEvent, _ Identity) {
		if ev == SessionEnded {
			// A directory write that takes a while.
			time.Sleep(20 * time.Millisecond)
		}
		mu.Lock()
		online = ev == SessionStarted
		mu.Unlock()
	})

	alice := Identity{UserID: "alice"}
	h.Start(alice)

	done := make(chan struct{})
	go func() {
		h.End(alice)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	h.Start(alice)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if h.Active("alice") != 1 || !online {
		t.Fatalf("active=%d online=%v, want 1 and true", h.Active("alice"), online)
	}
}

func TestHub_DropsIdleGates(t *testing.T) {
	h := NewHub()
	alice := Identity{UserID: "alice"}
	h.Start(alice)
	h.End(alice)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.gates) != 0 {
		t.Errorf("expected no gates left, got %d", len(h.gates))
	}
}
