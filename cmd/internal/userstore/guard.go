package userstore

import (
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultRedeemHold keeps the redeem guard held briefly after an attempt
// so a double tap cannot start a second one.
const DefaultRedeemHold = time.Second

// Guard is a non-blocking mutual-exclusion token with a minimum hold time
// after release.
type Guard struct {
	sem  *semaphore.Weighted
	hold time.Duration

	// after schedules the delayed release; tests replace it.
	after func(time.Duration, func())
}

// NewGuard constructs a Guard that stays held for hold after each release.
func NewGuard(hold time.Duration) *Guard {
	return &Guard{
		sem:  semaphore.NewWeighted(1),
		hold: hold,
		after: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

// Hold returns the configured hold time.
func (g *Guard) Hold() time.Duration { return g.hold }

// TryEnter takes the token without blocking. On success the caller must
// call release exactly once; extra calls are ignored.
func (g *Guard) TryEnter() (release func(), ok bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if g.hold <= 0 {
				g.sem.Release(1)
				return
			}
			g.after(g.hold, func() { g.sem.Release(1) })
		})
	}, true
}
