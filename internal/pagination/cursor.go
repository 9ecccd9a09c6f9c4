// Package pagination implements keyset cursors over (created_at, id)
// ordered listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for a cursor this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the sort key of the last item on a page. The next page starts
// strictly after it.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque form of c.
func (c Cursor) Encode() string {
	return Encode(c.CreatedAt, c.ID)
}

// Encode returns an opaque cursor for the item keyed by (createdAt, id).
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor. Empty input means "from the start" and
// returns nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// ComputePage trims items fetched with limit+1 down to limit. When the
// extra item was present it returns the cursor of the last kept item and
// hasMore true.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
