package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxTitleLength is the maximum number of runes accepted in a title.
	MaxTitleLength = 300
	// MaxURLLength is the maximum number of bytes accepted in a URL.
	MaxURLLength = 2048
	// DefaultScheme is prepended to URLs that carry no recognized scheme.
	DefaultScheme = "https://"
)

// recognizedSchemes are kept as typed by the user.
var recognizedSchemes = []string{"http://", "https://"}

// Record is a bookmark owned by a single user.
//
// Records are created by the Store and never change identity afterwards.
// The payload fields may only be replaced as a whole.
type Record struct {
	// ─────────────────────────────
	// Identity (immutable)
	// ─────────────────────────────

	// ID is assigned by the Store at creation time.
	ID string `json:"id"`

	// OwnerID is the user the record belongs to.
	OwnerID string `json:"owner_id"`

	// ─────────────────────────────
	// Payload
	// ─────────────────────────────

	// URL is the bookmarked address, always carrying a scheme.
	// Example: https://example.com
	URL string `json:"url"`

	// Title is the user-visible label.
	Title string `json:"title"`

	// ─────────────────────────────
	// Metadata
	// ─────────────────────────────

	// CreatedAt is assigned by the Store and defines display order.
	CreatedAt time.Time `json:"created_at"`
}

// Payload is the user-supplied part of a Record.
type Payload struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Payload returns the user-visible fields of r.
func (r Record) Payload() Payload {
	return Payload{URL: r.URL, Title: r.Title}
}

// Newer reports whether a sorts before b in a collection:
// newest first, ties broken by ID ascending.
func Newer(a, b Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Normalize validates p and returns the canonical form that is sent to the Store.
// The returned error is a ValidationError.
func (p Payload) Normalize() (Payload, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return Payload{}, Validation("title", fmt.Errorf("title is required"))
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return Payload{}, Validation("title", fmt.Errorf("title exceeds %d characters", MaxTitleLength))
	}

	u, err := NormalizeURL(p.URL)
	if err != nil {
		return Payload{}, Validation("url", err)
	}

	return Payload{URL: u, Title: title}, nil
}

// NormalizeURL trims raw and prepends DefaultScheme when it has no recognized scheme.
// Example: "example.com" -> "https://example.com"
func NormalizeURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("url is required")
	}
	if !hasRecognizedScheme(s) {
		s = DefaultScheme + s
	}
	if len(s) > MaxURLLength {
		return "", fmt.Errorf("url exceeds %d bytes", MaxURLLength)
	}

	parsed, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("url %q has no host", s)
	}

	return s, nil
}

func hasRecognizedScheme(s string) bool {
	lower := strings.ToLower(s)
	for _, scheme := range recognizedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}
