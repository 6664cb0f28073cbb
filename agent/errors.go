package agent

import "errors"

var (
	// ErrNotRunning is returned when an operation requires a live
	// subprocess and there is none.
	ErrNotRunning = errors.New("process not running")

	// ErrNoSession is returned when an operation requires a minted
	// session ID and the subprocess has not announced one yet.
	ErrNoSession = errors.New("no session established")

	// ErrStopped is returned for operations on a controller that has
	// been shut down.
	ErrStopped = errors.New("session controller stopped")
)
