package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestPayloadKind_Precedence(t *testing.T) {
	tests := []struct {
		name string
		p    Payload
		want Kind
	}{
		{"image beats everything", Payload{ImageURL: "i", FileURL: "f", Text: "t"}, KindImage},
		{"file before location", Payload{FileURL: "f", FileType: "video/mp4", Location: &GeoPoint{}}, KindFile},
		{"location before contact", Payload{Location: &GeoPoint{Lat: 1}, ContactUserID: "u"}, KindLocation},
		{"contact before text", Payload{ContactUserID: "u", Text: "t"}, KindContact},
		{"text", Payload{Text: "t"}, KindText},
		{"empty", Payload{}, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Kind(); got != tt.want {
				t.Errorf("Kind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name string
		p    Payload
		want string
	}{
		{"legacy image", Payload{ImageURL: "http://x/a.png"}, "📷 Image"},
		{"image file", Payload{FileURL: "u", FileType: "image/png"}, "🖼️ Image"},
		{"video file", Payload{FileURL: "u", FileType: "video/mp4"}, "🎥 Video"},
		{"audio file", Payload{FileURL: "u", FileType: "audio/ogg"}, "🎵 Audio"},
		{"document", Payload{FileURL: "u", FileType: "application/pdf"}, "📄 Document"},
		{"location", Payload{Location: &GeoPoint{Lat: 1, Lng: 2}}, "📍 Location"},
		{"contact", Payload{ContactUserID: "bob"}, "👤 Contact"},
		{"text", Payload{Text: "  hello  "}, "hello"},
		{"fallback", Payload{}, "Message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Preview(tt.p); got != tt.want {
				t.Errorf("Preview() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPreview_TruncatesLongText(t *testing.T) {
	got := Preview(Payload{Text: strings.Repeat("é", 200)})
	if n := len([]rune(got)); n != previewMaxRunes {
		t.Fatalf("expected %d runes, got %d", previewMaxRunes, n)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("expected ellipsis suffix, got %q", got)
	}
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		p       Payload
		wantErr error
		ok      bool
	}{
		{"text", Payload{Text: "hi"}, nil, true},
		{"image", Payload{ImageURL: "http://x"}, nil, true},
		{"file", Payload{FileURL: "http://x", FileType: "application/pdf"}, nil, true},
		{"location", Payload{Location: &GeoPoint{Lat: 48.85, Lng: 2.35}}, nil, true},
		{"contact", Payload{ContactUserID: "bob"}, nil, true},
		{"empty", Payload{}, ErrEmptyPayload, false},
		{"whitespace only", Payload{Text: "  \n\t "}, ErrEmptyPayload, false},
		{"image with blank caption", Payload{Text: " ", ImageURL: "http://x"}, nil, true},
		{"two variants", Payload{Text: "hi", ImageURL: "http://x"}, ErrMultiplePayloads, false},
		{"file without type", Payload{FileURL: "http://x"}, nil, false},
		{"location out of range", Payload{Location: &GeoPoint{Lat: 91}}, nil, false},
		{"too long", Payload{Text: strings.Repeat("a", MaxMessageBytes+1)}, nil, false},
		{"too many chars", Payload{Text: strings.Repeat("é", MaxTextChars+1)}, nil, false},
		{"invalid utf8", Payload{Text: "\xff\xfe"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.p)
			if tt.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPair(t *testing.T) {
	p1 := NewPair("bob", "alice")
	p2 := NewPair("alice", "bob")
	if p1 != p2 {
		t.Fatalf("pairs should normalize equally: %+v vs %+v", p1, p2)
	}
	if p1.Low != "alice" || p1.High != "bob" {
		t.Errorf("unexpected normalization: %+v", p1)
	}
	if p1.Other("alice") != "bob" || p1.Other("bob") != "alice" || p1.Other("carol") != "" {
		t.Errorf("Other() returned unexpected values")
	}
	if !p1.Contains("bob") || p1.Contains("carol") {
		t.Errorf("Contains() returned unexpected values")
	}
}
