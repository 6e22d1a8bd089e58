package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultLimit is the page size used when a caller does not ask for one
	DefaultLimit = 50

	// MaxLimit is the largest page size a caller may ask for
	MaxLimit = 200

	// MaxPages bounds how many pages are followed from one backend
	MaxPages = 32

	cursorPrefix = "off:"
)

var (
	// ErrInvalidLimit is returned when the pagination limit is invalid
	ErrInvalidLimit = errors.New("pagination limit must be greater than 0 and less than or equal to MaxLimit")

	// ErrInvalidCursor is returned when a pagination cursor is invalid
	ErrInvalidCursor = errors.New("invalid pagination cursor format")

	// ErrTooManyPages is returned when a cursor chain does not end
	ErrTooManyPages = errors.New("too many pages")
)

// Params selects one page of a gateway listing.
type Params struct {
	Cursor string
	Limit  int
}

// ParseQuery reads cursor and limit from URL query values.
func ParseQuery(values url.Values) (Params, error) {
	p := Params{Cursor: values.Get("cursor"), Limit: DefaultLimit}
	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Params{}, fmt.Errorf("%w: %q", ErrInvalidLimit, raw)
		}
		p.Limit = n
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// Validate checks the limit and cursor.
func (p Params) Validate() error {
	if p.Limit <= 0 || p.Limit > MaxLimit {
		return fmt.Errorf("%w: got %d, max is %d", ErrInvalidLimit, p.Limit, MaxLimit)
	}
	if p.Cursor != "" {
		if _, err := DecodeCursor(p.Cursor); err != nil {
			return err
		}
	}
	return nil
}

// EncodeCursor creates an opaque cursor addressing offset.
func EncodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(offset)))
}

// DecodeCursor recovers the offset from a cursor made by EncodeCursor.
func DecodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	s, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, ErrInvalidCursor
	}
	offset, err := strconv.Atoi(s)
	if err != nil || offset < 0 {
		return 0, ErrInvalidCursor
	}
	return offset, nil
}

// Page returns the slice of items p selects and the cursor of the page
// after it, or "" when it is the last page.
func Page[T any](items []T, p Params) ([]T, string, error) {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	start, err := DecodeCursor(p.Cursor)
	if err != nil {
		return nil, "", err
	}
	if start > len(items) {
		return nil, "", ErrInvalidCursor
	}
	end := start + p.Limit
	if end >= len(items) {
		return items[start:], "", nil
	}
	return items[start:end], EncodeCursor(end), nil
}

// Collector follows a chain of nextCursor values.
type Collector struct {
	// NextCursor holds the cursor to request next; empty for the first page
	NextCursor string
	// Pages counts the pages collected so far
	Pages int

	maxPages int
	done     bool
}

// NewCollector creates a collector that gives up after maxPages pages.
func NewCollector(maxPages int) *Collector {
	if maxPages <= 0 {
		maxPages = MaxPages
	}
	return &Collector{maxPages: maxPages}
}

// More reports whether another page should be fetched.
func (c *Collector) More() bool {
	return !c.done
}

// Update records a fetched page and the cursor it returned.
func (c *Collector) Update(nextCursor string) error {
	c.Pages++
	if nextCursor == "" {
		c.done = true
		c.NextCursor = ""
		return nil
	}
	if c.Pages >= c.maxPages {
		c.done = true
		return fmt.Errorf("%w: stopped after %d", ErrTooManyPages, c.Pages)
	}
	if nextCursor == c.NextCursor {
		c.done = true
		return fmt.Errorf("%w: cursor %q repeated", ErrInvalidCursor, nextCursor)
	}
	c.NextCursor = nextCursor
	return nil
}
