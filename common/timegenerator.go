package common

import "time"

type TimeGenerator interface {
	Now() time.Time
}

// DefaultTimeGenerator returns the local time.
type DefaultTimeGenerator struct{}

func (tg DefaultTimeGenerator) Now() time.Time {
	return time.Now()
}

// UTCTimeGenerator returns the current time in UTC.
type UTCTimeGenerator struct{}

func (tg UTCTimeGenerator) Now() time.Time {
	return time.Now().UTC()
}
