package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts time for services that schedule work.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewSystem returns a Clock backed by the wall clock.
func NewSystem() Clock { return systemClock{} }

// Module provides the system clock.
var Module = fx.Provide(func() Clock { return NewSystem() })
