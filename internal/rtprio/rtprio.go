// Package rtprio raises the scheduling priority of the calling OS thread.
// It's best effort: without privileges the request fails and the loop
// keeps running with normal priority. Callers must lock the goroutine to
// its thread first.
package rtprio

import "errors"

// Priority is the SCHED_FIFO priority requested for loop threads.
const Priority = 10

// ErrNotSupported is returned on platforms without thread priorities.
var ErrNotSupported = errors.New("real-time priority is not supported")
