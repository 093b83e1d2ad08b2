package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max text payload
	MaxTextChars    = 2000 // max character count
)

var (
	// ErrEmptyPayload is returned when a send carries no content at all.
	// Senders treat it as a no-op rather than a failure.
	ErrEmptyPayload = errors.New("chat: payload is empty")

	// ErrMultiplePayloads is returned when more than one variant is set.
	ErrMultiplePayloads = errors.New("chat: payload has more than one variant")
)

// ValidatePayload checks that a payload populates exactly one variant and
// that the populated variant is well formed.
func ValidatePayload(p Payload) error {
	n := p.variants()
	if n == 0 {
		return ErrEmptyPayload
	}
	if n > 1 {
		return ErrMultiplePayloads
	}

	switch p.Kind() {
	case KindText:
		return validateText(p.Text)
	case KindFile:
		if p.FileType == "" {
			return fmt.Errorf("chat: file payload is missing its mime type")
		}
	case KindLocation:
		if p.Location.Lat < -90 || p.Location.Lat > 90 || p.Location.Lng < -180 || p.Location.Lng > 180 {
			return fmt.Errorf("chat: location %.5f,%.5f is out of range", p.Location.Lat, p.Location.Lng)
		}
	}
	return nil
}

func validateText(text string) error {
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("chat: message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("chat: message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat: message contains invalid UTF-8")
	}
	return nil
}

func (p Payload) variants() int {
	n := 0
	if p.ImageURL != "" {
		n++
	}
	if p.FileURL != "" {
		n++
	}
	if p.Location != nil {
		n++
	}
	if p.ContactUserID != "" {
		n++
	}
	// Text that is only whitespace carries nothing to show.
	if strings.TrimSpace(p.Text) != "" {
		n++
	}
	return n
}
