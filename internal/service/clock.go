package service

import "time"

// Clock abstracts wall time so cooldown and expiry arithmetic is testable.
type Clock interface {
	Now() time.Time
}

// RealClock delegates to the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }
