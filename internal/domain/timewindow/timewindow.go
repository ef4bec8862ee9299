// Package timewindow implements the time-window bucket arithmetic used by
// the aggregation engine: the five ordered scales, slack parsing, and the
// index math that decides which window bucket a usage value lands in.
package timewindow

import (
	"regexp"
	"strconv"
	"time"
)

// Dimension identifies one of the five time scales a metric keeps
// parallel window arrays for.
type Dimension byte

// The five dimensions, ordered from finest to coarsest. The window slot
// order of every metric follows this ordering.
const (
	Second Dimension = 's'
	Minute Dimension = 'm'
	Hour   Dimension = 'h'
	Day    Dimension = 'D'
	Month  Dimension = 'M'
)

// Dimensions lists the scales in window-slot order.
var Dimensions = [5]Dimension{Second, Minute, Hour, Day, Month}

// String returns the single-letter code used in slack settings and
// document keys.
func (d Dimension) String() string {
	return string(rune(d))
}

// Duration returns the unit name accepted by calendar arithmetic helpers.
// Months have no fixed duration; callers must use Delta for month math.
func (d Dimension) Duration() time.Duration {
	switch d {
	case Second:
		return time.Second
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	}
	return 0
}

// utc converts an epoch-millisecond timestamp to a UTC time.
func utc(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Delta returns the number of scale boundaries of dimension d crossed when
// moving from the bucket containing `from` to the bucket containing `to`,
// both epoch milliseconds. A negative result means `to` is in an earlier
// bucket than `from`.
func Delta(d Dimension, from, to int64) int {
	ft, tt := utc(from), utc(to)
	switch d {
	case Month:
		return (tt.Year()-ft.Year())*12 + int(tt.Month()) - int(ft.Month())
	case Day:
		fd := time.Date(ft.Year(), ft.Month(), ft.Day(), 0, 0, 0, 0, time.UTC)
		td := time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
		return int(td.Sub(fd) / (24 * time.Hour))
	default:
		unit := d.Duration()
		return int(tt.Truncate(unit).Sub(ft.Truncate(unit)) / unit)
	}
}

// Index returns the window-slot index the bucket containing docEnd occupies
// in a slot of the given length aligned so that index 0 holds the bucket
// containing newEnd. Out-of-range and future times clamp to the current
// bucket, mirroring the slack-exceeded behavior of the upstream pipeline.
func Index(d Dimension, newEnd, docEnd int64, length int) int {
	idx := Delta(d, docEnd, newEnd)
	if idx < 0 || idx >= length {
		return 0
	}
	return idx
}

// Support records which dimensions this deployment aggregates at.
// Unsupported dimensions keep their window slots forced to [null].
type Support map[Dimension]bool

// AllDimensions returns a Support covering all five scales.
func AllDimensions() Support {
	s := make(Support, len(Dimensions))
	for _, d := range Dimensions {
		s[d] = true
	}
	return s
}

// NewSupport builds a Support from single-letter dimension codes,
// ignoring codes that do not name a dimension.
func NewSupport(codes []string) Support {
	s := make(Support, len(codes))
	for _, c := range codes {
		if len(c) != 1 {
			continue
		}
		switch d := Dimension(c[0]); d {
		case Second, Minute, Hour, Day, Month:
			s[d] = true
		}
	}
	return s
}

// Supported reports whether the dimension is aggregated at.
func (s Support) Supported(d Dimension) bool {
	return s[d]
}

// Slack is the tolerance window allowing a late-arriving event to still
// update a recently closed bucket.
type Slack struct {
	Width int
	Scale Dimension
}

// DefaultSlack is used when no valid slack setting is configured.
var DefaultSlack = Slack{Width: 10, Scale: Minute}

var slackPattern = regexp.MustCompile(`^([0-9]+)([MDhms])$`)

// ParseSlack parses a `<integer><scale-letter>` slack setting. Invalid or
// empty input falls back to DefaultSlack.
func ParseSlack(s string) Slack {
	m := slackPattern.FindStringSubmatch(s)
	if m == nil {
		return DefaultSlack
	}
	width, err := strconv.Atoi(m[1])
	if err != nil {
		return DefaultSlack
	}
	return Slack{Width: width, Scale: Dimension(m[2][0])}
}

// AddTo advances t by the slack amount, using calendar arithmetic for
// month-scale slack.
func (s Slack) AddTo(t time.Time) time.Time {
	switch s.Scale {
	case Month:
		return t.AddDate(0, s.Width, 0)
	case Day:
		return t.AddDate(0, 0, s.Width)
	default:
		return t.Add(time.Duration(s.Width) * s.Scale.Duration())
	}
}
