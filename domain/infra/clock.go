package infra

import "time"

// Clock abstracts wall time so the sweeper can be tested against a
// virtual clock instead of sleeping.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }
