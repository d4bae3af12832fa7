// Package hourkey implements the "yyyy-MM-dd-HH" UTC hour bucket tags used to
// key every durable activity record. Keys are zero padded, so lexicographic
// order is chronological order.
package hourkey

import (
	"fmt"
	"time"

	perrors "github.com/p-blackswan/codetime/internal/errors"
)

// Layout is the Go time layout of a Key.
const Layout = "2006-01-02-15"

// DateLayout is the layout of the session date prefix of a Key.
const DateLayout = "2006-01-02"

// Key identifies a one-hour bucket.
type Key string

// FromTime returns the UTC hour bucket containing t.
func FromTime(t time.Time) Key {
	return Key(t.UTC().Format(Layout))
}

// Parse validates s and returns it as a Key.
func Parse(s string) (Key, error) {
	if _, err := time.ParseInLocation(Layout, s, time.UTC); err != nil {
		return "", fmt.Errorf("%w: %q", perrors.ErrInvalidHourKey, s)
	}
	return Key(s), nil
}

// String implements fmt.Stringer.
func (k Key) String() string { return string(k) }

// Valid reports whether k parses.
func (k Key) Valid() bool {
	_, err := time.ParseInLocation(Layout, string(k), time.UTC)
	return err == nil
}

// Start returns the first instant of the bucket.
func (k Key) Start() (time.Time, error) {
	t, err := time.ParseInLocation(Layout, string(k), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", perrors.ErrInvalidHourKey, string(k))
	}
	return t, nil
}

// Date returns the session date, the first ten characters of the key.
func (k Key) Date() string {
	if len(k) < len(DateLayout) {
		return string(k)
	}
	return string(k[:len(DateLayout)])
}

// Next returns the following hour.
func (k Key) Next() (Key, error) {
	t, err := k.Start()
	if err != nil {
		return "", err
	}
	return FromTime(t.Add(time.Hour)), nil
}

// LocalToUTC reinterprets k as wall-clock time in loc and returns the UTC
// bucket for the same instant. Used to migrate keys written before the store
// switched to UTC.
func LocalToUTC(k Key, loc *time.Location) (Key, error) {
	t, err := time.ParseInLocation(Layout, string(k), loc)
	if err != nil {
		return "", fmt.Errorf("%w: %q", perrors.ErrInvalidHourKey, string(k))
	}
	return FromTime(t), nil
}

// UTCToLocal renders the UTC bucket k as the wall-clock hour in loc.
func UTCToLocal(k Key, loc *time.Location) (Key, error) {
	t, err := k.Start()
	if err != nil {
		return "", err
	}
	return Key(t.In(loc).Format(Layout)), nil
}

// LocalDate returns the calendar date of t in loc, formatted like Key.Date.
func LocalDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}
