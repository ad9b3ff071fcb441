// Package profile collects the monitored adult's details once a bracelet is online.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// BirthDateLayout is the date format exchanged with the backend and typed by caregivers
const BirthDateLayout = "2006-01-02"

var (
	ErrNameRequired      = errors.New("adult name is required")
	ErrBirthDateInFuture = errors.New("birth date cannot be in the future")
	ErrInvalidBirthDate  = errors.New("invalid birth date")
)

// Adult is the caregiver-entered profile of the person wearing the bracelet.
type Adult struct {
	Name      string     `json:"name"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Address   string     `json:"address,omitempty"`
}

// Normalized returns a copy with surrounding whitespace removed.
func (a Adult) Normalized() Adult {
	a.Name = strings.TrimSpace(a.Name)
	a.Address = strings.TrimSpace(a.Address)
	return a
}

// Validate checks the trimmed name is present and the birth date is not after now.
func (a Adult) Validate(now time.Time) error {
	if strings.TrimSpace(a.Name) == "" {
		return ErrNameRequired
	}
	if a.BirthDate != nil {
		y, m, d := now.Date()
		today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		if a.BirthDate.UTC().After(today) {
			return fmt.Errorf("%w: %s", ErrBirthDateInFuture, a.BirthDate.Format(BirthDateLayout))
		}
	}
	return nil
}

// BirthDateString formats the birth date for the wire, or "" when unset.
func (a Adult) BirthDateString() string {
	if a.BirthDate == nil {
		return ""
	}
	return a.BirthDate.Format(BirthDateLayout)
}

// ParseBirthDate accepts YYYY-MM-DD or an RFC3339 timestamp. An empty string yields nil.
func ParseBirthDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(BirthDateLayout, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("%w %q: expected YYYY-MM-DD", ErrInvalidBirthDate, s)
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d, nil
}

// Capturer collects an adult profile. A nil profile with a nil error means the
// caregiver cancelled. initial, when set, pre-fills the form.
type Capturer interface {
	Capture(ctx context.Context, initial *Adult) (*Adult, error)
}

// CapturerFunc adapts a function to Capturer
type CapturerFunc func(ctx context.Context, initial *Adult) (*Adult, error)

func (f CapturerFunc) Capture(ctx context.Context, initial *Adult) (*Adult, error) {
	return f(ctx, initial)
}

// StaticCapturer returns a fixed profile, for non-interactive runs.
// A nil Adult behaves as a cancelled form.
type StaticCapturer struct {
	Adult *Adult
}

func (s StaticCapturer) Capture(ctx context.Context, _ *Adult) (*Adult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Adult == nil {
		return nil, nil
	}
	a := s.Adult.Normalized()
	return &a, nil
}
