package call

import "time"

// Scheduler moves work between the owning loop and background goroutines.
// Post, the resume returned by Async and fn passed to After all run on the loop.
type Scheduler interface {
	Async(work func() (resume func()))
	After(d time.Duration, fn func()) (stop func() bool)
	Post(fn func())
}
