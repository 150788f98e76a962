// Package version implements the optimistic-concurrency token check shared
// by every mutating operation. Tokens follow the HTTP entity-tag shape: the
// record's integer version wrapped in double quotes, e.g. `"3"`.
package version

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrMissing indicates the caller supplied no token at all. Kept distinct
// from a malformed token so the transport can answer 428 vs 412.
var ErrMissing = errors.New("version: token required")

// MalformedError indicates the token does not have the quoted-integer shape.
type MalformedError struct {
	Token string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("version: malformed token %q", e.Token)
}

// OutdatedError indicates the caller holds a stale copy of the record.
type OutdatedError struct {
	Presented int64
	Current   int64
}

func (e *OutdatedError) Error() string {
	return fmt.Sprintf("version: token %d is outdated (current %d)", e.Presented, e.Current)
}

// AheadError indicates the caller references a version the server has never
// produced. This is a client bug or clock skew, never a routine race, and is
// never silently accepted.
type AheadError struct {
	Presented int64
	Current   int64
}

func (e *AheadError) Error() string {
	return fmt.Sprintf("version: token %d is ahead of current %d", e.Presented, e.Current)
}

// Validate compares a caller-supplied token against the record's current
// version. present reports whether the caller supplied a token at all.
// On success the parsed version (== current) is returned. Validate is pure
// and safe for concurrent use.
func Validate(token string, present bool, current int64) (int64, error) {
	if !present {
		return 0, ErrMissing
	}
	v, err := Parse(token)
	if err != nil {
		return 0, err
	}
	switch {
	case v < current:
		return 0, &OutdatedError{Presented: v, Current: current}
	case v > current:
		return 0, &AheadError{Presented: v, Current: current}
	}
	return v, nil
}

// Parse extracts the integer version from a quoted token.
func Parse(token string) (int64, error) {
	if len(token) < 3 || token[0] != '"' || token[len(token)-1] != '"' {
		return 0, &MalformedError{Token: token}
	}
	v, err := strconv.ParseInt(token[1:len(token)-1], 10, 64)
	if err != nil {
		return 0, &MalformedError{Token: token}
	}
	return v, nil
}

// Format renders a version as a token suitable for ETag/If-Match headers.
func Format(v int64) string {
	return `"` + strconv.FormatInt(v, 10) + `"`
}
