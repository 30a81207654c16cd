// Package memory keeps accounting entries in memory
package memory

import (
	"context"
	"sync"

	"github.com/butter-bot-machines/kestrel/pkg/acct"
)

// Recorder implements acct.Recorder with a slice
type Recorder struct {
	mu      sync.Mutex
	entries []acct.Entry
}

// New creates an empty recorder
func New() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Record(ctx context.Context, e acct.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *Recorder) List(ctx context.Context) ([]acct.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]acct.Entry(nil), r.entries...), nil
}

// Find returns the entries recorded for pid
func (r *Recorder) Find(pid int) []acct.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []acct.Entry
	for _, e := range r.entries {
		if e.PID == pid {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Close() error {
	return nil
}
