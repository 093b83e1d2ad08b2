package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/whisper/relay/internal/obs"
)

type fakeBucket struct {
	name  string
	err   error
	puts  []string
	sizes []int64
	types []string
}

func (b *fakeBucket) Name() string { return b.name }

func (b *fakeBucket) Put(_ context.Context, key string, r io.Reader, size int64, ct string) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	data, _ := io.ReadAll(r)
	if int64(len(data)) != size {
		return "", errors.New("size mismatch")
	}
	b.puts = append(b.puts, key)
	b.sizes = append(b.sizes, size)
	b.types = append(b.types, ct)
	return "https://cdn.example.com/" + b.name + "/" + key, nil
}

func newStore(primary, fallback Bucket) *Store {
	s := NewStore(primary, fallback, obs.Discard())
	s.newKey = func(ext string) string { return "k" + ext }
	return s
}

func TestPut_Primary(t *testing.T) {
	primary := &fakeBucket{name: "chat-files"}
	fallback := &fakeBucket{name: "chat-images"}
	s := newStore(primary, fallback)

	obj, err := s.Put(context.Background(), strings.NewReader("%PDF-1.4 hello"), "report.PDF", "application/pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj.Bucket != "chat-files" || obj.Key != "k.pdf" || obj.URL != "https://cdn.example.com/chat-files/k.pdf" {
		t.Errorf("unexpected object: %+v", obj)
	}
	if len(fallback.puts) != 0 {
		t.Error("fallback should not be used when primary succeeds")
	}
}

func TestPut_FallsBack(t *testing.T) {
	primary := &fakeBucket{name: "chat-files", err: errors.New("no such bucket")}
	fallback := &fakeBucket{name: "chat-images"}
	s := newStore(primary, fallback)

	payload := bytes.Repeat([]byte{0xff, 0xd8, 0xff}, 100)
	obj, err := s.Put(context.Background(), bytes.NewReader(payload), "photo.jpg", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj.Bucket != "chat-images" {
		t.Errorf("expected fallback bucket, got %q", obj.Bucket)
	}
	if fallback.sizes[0] != int64(len(payload)) {
		t.Errorf("fallback received %d bytes, want %d", fallback.sizes[0], len(payload))
	}
	if obj.ContentType != "image/jpeg" {
		t.Errorf("sniffed content type = %q", obj.ContentType)
	}
}

func TestPut_BothFail(t *testing.T) {
	s := newStore(&fakeBucket{name: "a", err: errors.New("down")}, &fakeBucket{name: "b", err: errors.New("down")})
	if _, err := s.Put(context.Background(), strings.NewReader("x"), "x.txt", "text/plain"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	unconfigured := newStore(nil, nil)
	if _, err := unconfigured.Put(context.Background(), strings.NewReader("x"), "x.txt", "text/plain"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable without buckets, got %v", err)
	}
}

func TestPut_SizePolicy(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		mime    string
		wantErr bool
	}{
		{"document at limit", MaxFileBytes, "application/pdf", false},
		{"document over limit", MaxFileBytes + 1, "application/pdf", true},
		{"image over file limit", MaxFileBytes + 1, "image/png; charset=binary", true},
		{"video under video limit", MaxFileBytes + 1, "video/mp4", false},
		{"video over limit", MaxVideoBytes + 1, "video/mp4", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &fakeBucket{name: "p"}
			s := newStore(primary, nil)
			_, err := s.Put(context.Background(), bytes.NewReader(make([]byte, tt.size)), "f", tt.mime)
			if tt.wantErr {
				if !errors.Is(err, ErrSizeExceeded) {
					t.Fatalf("expected ErrSizeExceeded, got %v", err)
				}
				if len(primary.puts) != 0 {
					t.Error("oversized upload must not reach a bucket")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLimitFor(t *testing.T) {
	if LimitFor("video/webm") != MaxVideoBytes {
		t.Error("video should get the video limit")
	}
	if LimitFor("audio/ogg") != MaxFileBytes {
		t.Error("audio should get the file limit")
	}
}
