// Package job is the seam between the relay and an external attack runner.
//
// The dispatcher calls a Handler synchronously for every attack request.
// Runners must return quickly and do their work on their own goroutine,
// reporting progress through the Handle they were given.
package job

import (
	"fmt"

	"github.com/hereliesaz/hashkitty/pkg/protocol"
)

// Handle identifies the requesting connection and delivers frames to it
// through the relay's bridge.
type Handle interface {
	ConnID() string
	Room() string
	// Deliver sends a frame to the connection. An error means the peer is
	// unreachable and the runner should abandon the job.
	Deliver(msg []byte) error
}

// Handler receives attack requests.
type Handler func(params protocol.AttackParams, h Handle)

// Reporter pushes status_update frames for one job.
type Reporter struct {
	h     Handle
	jobID string
}

// NewReporter returns a Reporter for the job described by params.
func NewReporter(params protocol.AttackParams, h Handle) *Reporter {
	return &Reporter{h: h, jobID: params.JobID}
}

func (r *Reporter) send(u protocol.StatusUpdate) error {
	u.JobID = r.jobID
	msg, err := protocol.Encode(protocol.TypeStatusUpdate, r.h.Room(), u)
	if err != nil {
		return err
	}
	if err := r.h.Deliver(msg); err != nil {
		return fmt.Errorf("job %s: %w", r.jobID, err)
	}
	return nil
}

// Running reports progress output.
func (r *Reporter) Running(output string) error {
	return r.send(protocol.StatusUpdate{Status: protocol.StatusRunning, Output: output})
}

// Completed reports success with the runner's final output and cracked hashes.
func (r *Reporter) Completed(output, cracked string) error {
	return r.send(protocol.StatusUpdate{Status: protocol.StatusCompleted, Output: output, Cracked: cracked})
}

// Failed reports an error.
func (r *Reporter) Failed(err error) error {
	return r.send(protocol.StatusUpdate{Status: protocol.StatusFailed, Error: err.Error()})
}

// Validating wraps next so that requests failing AttackParams.Validate are
// answered with a failed status instead of reaching the runner.
func Validating(next Handler) Handler {
	return func(params protocol.AttackParams, h Handle) {
		if err := params.Validate(); err != nil {
			_ = NewReporter(params, h).Failed(err)
			return
		}
		next(params, h)
	}
}
