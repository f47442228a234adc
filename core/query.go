package core

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// DateLayout is the calendar date format accepted by the query API.
const DateLayout = "2006-01-02"

// DefaultQueryLimit caps a query page when the caller supplies no limit.
const DefaultQueryLimit = 1000

// ErrInvalidDateRange marks a client-side validation failure on the query
// date parameters.
var ErrInvalidDateRange = errors.New("invalid date format, use YYYY-MM-DD")

// QueryParams are the validated filters for one log query. DateFrom and
// DateTo keep the caller's raw values for echoing back; From and To are the
// resolved range with To expanded to the end of its calendar day.
type QueryParams struct {
	DateFrom string
	DateTo   string
	From     time.Time
	To       time.Time

	Level         string
	ServiceName   string
	CorrelationID string
	Limit         int
	Offset        int
}

// ParseQueryParams validates raw query inputs and resolves them into
// QueryParams. Malformed dates yield ErrInvalidDateRange; malformed limit or
// offset values fall back to their defaults.
func ParseQueryParams(dateFrom, dateTo, level, service, correlationID, limit, offset string) (QueryParams, error) {
	if err := validation.Validate(dateFrom, validation.Required, validation.Date(DateLayout)); err != nil {
		return QueryParams{}, fmt.Errorf("%w: dateFrom %q", ErrInvalidDateRange, dateFrom)
	}
	if err := validation.Validate(dateTo, validation.Required, validation.Date(DateLayout)); err != nil {
		return QueryParams{}, fmt.Errorf("%w: dateTo %q", ErrInvalidDateRange, dateTo)
	}

	from, err := time.ParseInLocation(DateLayout, dateFrom, time.UTC)
	if err != nil {
		return QueryParams{}, fmt.Errorf("%w: dateFrom %q", ErrInvalidDateRange, dateFrom)
	}
	to, err := time.ParseInLocation(DateLayout, dateTo, time.UTC)
	if err != nil {
		return QueryParams{}, fmt.Errorf("%w: dateTo %q", ErrInvalidDateRange, dateTo)
	}

	p := QueryParams{
		DateFrom:      dateFrom,
		DateTo:        dateTo,
		From:          from,
		To:            endOfDay(to),
		ServiceName:   strings.TrimSpace(service),
		CorrelationID: strings.TrimSpace(correlationID),
		Limit:         parsePositiveInt(limit, DefaultQueryLimit),
		Offset:        parsePositiveInt(offset, 0),
	}
	if level != "" {
		// Filter against the normalized column value, whatever casing
		// the caller used.
		p.Level = strings.ToUpper(strings.TrimSpace(level))
	}
	return p, nil
}

// endOfDay expands a calendar date to its last representable instant so the
// range stays inclusive.
func endOfDay(t time.Time) time.Time {
	return t.Add(24*time.Hour - time.Nanosecond)
}

// parsePositiveInt parses a non-negative integer, returning fallback on any
// malformed, missing or negative value.
func parsePositiveInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	if n == 0 && fallback != 0 {
		return fallback
	}
	return n
}
