// Package acct records finished processes. The process table hands an
// Entry to the configured Recorder whenever a record is reaped by its
// parent or discarded as an orphan.
package acct

import (
	"context"
	"time"
)

// Disposition says how a process record left the process table
type Disposition string

const (
	Reaped    Disposition = "reaped"
	Discarded Disposition = "discarded"
)

// Entry is one accounting record
type Entry struct {
	PID         int
	PPID        int
	Name        string
	Status      int
	Disposition Disposition
	Started     time.Time
	Exited      time.Time
}

// Duration returns how long the process ran
func (e Entry) Duration() time.Duration {
	return e.Exited.Sub(e.Started)
}

// Recorder stores accounting entries
type Recorder interface {
	// Record stores one entry
	Record(ctx context.Context, e Entry) error

	// List returns every stored entry in the order recorded
	List(ctx context.Context) ([]Entry, error)

	// Close releases the recorder
	Close() error
}
