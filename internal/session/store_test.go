package session

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/relay/internal/auth"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore(testClient(t), "ws-test")

	if err := s.Create(ctx, "s1", auth.Identity{UserID: "alice"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, "s2", auth.Identity{UserID: "alice"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.OpenRoom(ctx, "s1", "r2"); err != nil {
		t.Fatalf("OpenRoom: %v", err)
	}
	if err := s.OpenRoom(ctx, "s1", "r1"); err != nil {
		t.Fatalf("OpenRoom: %v", err)
	}

	sess, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.UserID != "alice" || sess.Server != "ws-test" {
		t.Errorf("unexpected record: %+v", sess)
	}
	if len(sess.Rooms) != 2 || sess.Rooms[0] != "r1" {
		t.Errorf("unexpected rooms: %v", sess.Rooms)
	}

	if err := s.CloseRoom(ctx, "s1", "r1"); err != nil {
		t.Fatalf("CloseRoom: %v", err)
	}
	sess, _ = s.Get(ctx, "s1")
	if len(sess.Rooms) != 1 || sess.Rooms[0] != "r2" {
		t.Errorf("unexpected rooms after close: %v", sess.Rooms)
	}

	ids, err := s.UserSessions(ctx, "alice")
	if err != nil || len(ids) != 2 {
		t.Fatalf("UserSessions = %v, %v", ids, err)
	}

	if err := s.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after Delete, got %v", err)
	}
	ids, _ = s.UserSessions(ctx, "alice")
	if len(ids) != 1 || ids[0] != "s2" {
		t.Errorf("expected only s2 left, got %v", ids)
	}
}

func TestStore_DeleteUnknown(t *testing.T) {
	s := NewStore(testClient(t), "ws-test")
	if err := s.Delete(context.Background(), "ghost"); err != nil {
		t.Fatalf("Delete of unknown session: %v", err)
	}
}
