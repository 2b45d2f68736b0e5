// Package calendar answers whether the market is open on a given day.
package calendar

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// maxLookahead bounds NextTradingDay so a misconfigured holiday list cannot
// loop forever.
const maxLookahead = 366

// Calendar decides which days are trading days.
type Calendar interface {
	IsTradingDay(t time.Time) bool
	NextTradingDay(t time.Time) time.Time
}

// Weekday is a Monday-Friday calendar with explicit market holidays.
type Weekday struct {
	holidays map[string]struct{}
}

// NewWeekday parses holidays given as YYYY-MM-DD.
func NewWeekday(holidays []string) (*Weekday, error) {
	c := &Weekday{holidays: make(map[string]struct{}, len(holidays))}
	for _, h := range holidays {
		d, err := time.Parse(dateLayout, h)
		if err != nil {
			return nil, fmt.Errorf("holiday %q: %w", h, err)
		}
		c.holidays[d.Format(dateLayout)] = struct{}{}
	}
	return c, nil
}

// IsTradingDay uses the calendar date of t in t's own location.
func (c *Weekday) IsTradingDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, closed := c.holidays[t.Format(dateLayout)]
	return !closed
}

// NextTradingDay returns t itself when it is a trading day, otherwise the same
// wall-clock time on the first trading day after it.
func (c *Weekday) NextTradingDay(t time.Time) time.Time {
	d := t
	for i := 0; i < maxLookahead && !c.IsTradingDay(d); i++ {
		d = d.AddDate(0, 0, 1)
	}
	return d
}
