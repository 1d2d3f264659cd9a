package contextstore

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string, ttl time.Duration) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(ttl), nil
	}
	return NewPostgresStore(ctx, databaseURL, ttl)
}

func normalize(visitorID, focus string) (string, string, error) {
	visitorID = strings.TrimSpace(visitorID)
	if visitorID == "" {
		return "", "", ErrInvalidVisitor
	}
	focus = strings.Join(strings.Fields(focus), " ")
	if utf8.RuneCountInString(focus) > MaxFocusChars {
		focus = string([]rune(focus)[:MaxFocusChars])
	}
	return visitorID, focus, nil
}
