package chat

import (
	"strings"
	"unicode/utf8"
)

// Kind identifies which payload variant a message carries.
type Kind string

const (
	KindImage    Kind = "image"
	KindFile     Kind = "file"
	KindLocation Kind = "location"
	KindContact  Kind = "contact"
	KindText     Kind = "text"
	KindUnknown  Kind = "unknown"
)

// previewMaxRunes bounds the text preview stored on the room.
const previewMaxRunes = 80

// Kind returns the first populated variant in the fixed precedence
// image, file, location, contact, text.
func (p Payload) Kind() Kind {
	switch {
	case p.ImageURL != "":
		return KindImage
	case p.FileURL != "":
		return KindFile
	case p.Location != nil:
		return KindLocation
	case p.ContactUserID != "":
		return KindContact
	case p.Text != "":
		return KindText
	}
	return KindUnknown
}

// Preview derives the short last-message string shown in room listings.
func Preview(p Payload) string {
	switch p.Kind() {
	case KindImage:
		return "📷 Image"
	case KindFile:
		switch {
		case strings.HasPrefix(p.FileType, "image/"):
			return "🖼️ Image"
		case strings.HasPrefix(p.FileType, "video/"):
			return "🎥 Video"
		case strings.HasPrefix(p.FileType, "audio/"):
			return "🎵 Audio"
		}
		return "📄 Document"
	case KindLocation:
		return "📍 Location"
	case KindContact:
		return "👤 Contact"
	case KindText:
		return truncate(strings.TrimSpace(p.Text), previewMaxRunes)
	}
	return "Message"
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}
