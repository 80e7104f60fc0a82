/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package reqreply

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/open-nexus-os/nexuscore/errno"
	"github.com/open-nexus-os/nexuscore/wire"
)

// Outcome is the result of a retry helper, returned by value with the
// frame, the attempt count and the error together. The compiler does not
// stop a caller from discarding it; callers check Err before using Frame.
type Outcome struct {
	Frame    wire.Frame
	Attempts int
	Err      error
}

// Sender is the one send operation retry helpers drive: transmit req
// carrying nonce over whatever transport the caller owns.
type Sender func(nonce Nonce) error

// Call performs a single request/await cycle bounded by an absolute
// deadline: send, then await exactly one matching reply.
func Call(ctx context.Context, d *Dispatcher, nonce Nonce, deadlineNs int64, send Sender) Outcome {
	if err := send(nonce); err != nil {
		return Outcome{Attempts: 1, Err: err}
	}
	f, err := d.Await(ctx, nonce, deadlineNs)
	return Outcome{Frame: f, Attempts: 1, Err: err}
}

// AttemptBudget retries Call up to maxAttempts times, pacing resends with
// limiter, stopping at the first non-timeout outcome or when the attempt
// budget is exhausted. Each attempt gets its own absolute per-attempt
// deadline computed from perAttempt.
func AttemptBudget(ctx context.Context, d *Dispatcher, nonce Nonce, maxAttempts int, perAttempt time.Duration, limiter *rate.Limiter, send Sender) Outcome {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var last Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return Outcome{Attempts: attempt, Err: errno.ErrTimedOut}
			}
		}
		deadline := time.Now().Add(perAttempt).UnixNano()
		last = Call(ctx, d, nonce, deadline, send)
		last.Attempts = attempt
		if last.Err != errno.ErrTimedOut {
			return last
		}
	}
	return last
}

// MismatchTolerance drains up to maxMismatches frames from the inbox that
// fail validate before accepting (or giving up on) the one matching
// nonce. Malformed or mismatched replies are never counted as success;
// exceeding the tolerance yields errno.ErrInvalidInput.
func MismatchTolerance(ctx context.Context, d *Dispatcher, nonce Nonce, deadlineNs int64, maxMismatches int, validate func(wire.Frame) bool) Outcome {
	mismatches := 0
	for {
		f, err := d.Await(ctx, nonce, deadlineNs)
		if err != nil {
			return Outcome{Attempts: mismatches + 1, Err: err}
		}
		if validate == nil || validate(f) {
			return Outcome{Frame: f, Attempts: mismatches + 1}
		}
		mismatches++
		if mismatches > maxMismatches {
			return Outcome{Attempts: mismatches, Err: errno.ErrInvalidInput}
		}
	}
}
