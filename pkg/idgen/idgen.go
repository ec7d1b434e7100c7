// Package idgen is the single id service of the kernel: global mutable
// id generation encapsulated behind one narrow
// API instead of scattered package-level counters. Default action names,
// generated data file ids, VM ids and controller inbox names are minted
// here; job names are chosen by callers.
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// New returns a globally unique id, prefixed for readability in logs and
// traces (e.g. "job-3f9c2..." or "file-a1b2...").
func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String())
}

// counter backs Sequence, used where callers want a short, monotonically
// increasing, human-readable suffix (e.g. default action names within a
// job) rather than a full uuid.
var counter uint64

// Sequence returns a process-wide monotonically increasing integer. It is
// only unique for the lifetime of one simulation run, unlike New.
func Sequence() uint64 {
	return atomic.AddUint64(&counter, 1)
}
