package contextstore

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidVisitor = errors.New("visitor id is required")

// MaxFocusChars bounds stored focus text; longer input is truncated.
const MaxFocusChars = 2000

// FocusRecord is what a visitor was last looking at on the site.
type FocusRecord struct {
	ID        string    `json:"id"`
	VisitorID string    `json:"visitor_id"`
	Focus     string    `json:"focus"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store keeps the latest focus per visitor until it expires.
type Store interface {
	SaveFocus(ctx context.Context, visitorID, focus string) (FocusRecord, error)
	Focus(ctx context.Context, visitorID string) (FocusRecord, bool, error)
	Mode() string
	Close() error
}
