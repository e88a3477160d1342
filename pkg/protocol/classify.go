// Package protocol defines the chat payload model: how inbound payloads are
// classified for presentation and how they are framed on the wire.
package protocol

import (
	"strconv"
	"strings"
	"time"
	"unicode"
)

// CountMarker marks a count-announcement payload.
const CountMarker = "Users online:"

// countPrefix is what precedes the number in a well-formed announcement.
const countPrefix = CountMarker + " "

// Category tells the presentation layer how to style a payload.
type Category int

const (
	CategoryMessage Category = iota
	CategoryNotification
)

// String returns the string representation of Category
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "message"
	case CategoryNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// MarshalText renders the category by name in JSON output.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Classification is the result of Classify.
type Classification struct {
	CountUpdate bool
	Count       int
	Category    Category
}

// Classify inspects a payload. It is a textual heuristic: a chat line that
// happens to contain "left" is a notification, and one that contains the
// count marker may update the count.
func Classify(payload string) Classification {
	c := Classification{Category: CategoryMessage}
	if strings.Contains(payload, "joined") || strings.Contains(payload, "left") {
		c.Category = CategoryNotification
	}
	if n, ok := ParseOnlineCount(payload); ok {
		c.CountUpdate = true
		c.Count = n
	}
	return c
}

// ParseOnlineCount extracts the user count from a count announcement.
// The text between the first "Users online: " and the next one (or the end)
// must start with a base-10 integer, optionally signed; leading whitespace is
// skipped and anything after the digits is ignored.
func ParseOnlineCount(payload string) (int, bool) {
	if !strings.Contains(payload, CountMarker) {
		return 0, false
	}
	_, rest, found := strings.Cut(payload, countPrefix)
	if !found {
		return 0, false
	}
	if i := strings.Index(rest, countPrefix); i >= 0 {
		rest = rest[:i]
	}
	rest = strings.TrimLeftFunc(rest, unicode.IsSpace)

	end := 0
	if end < len(rest) && (rest[end] == '+' || rest[end] == '-') {
		end++
	}
	digits := end
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Entry is one record of the session log.
type Entry struct {
	Text       string    `json:"text"`
	Category   Category  `json:"category"`
	ReceivedAt time.Time `json:"received_at"`
}
