//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package retry bounds how many times an operation is attempted
// and how long to wait between attempts.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrRetriesExceeded is the MainErr of an FError
	// when f was still failing once the attempts were used up.
	ErrRetriesExceeded = errors.New("retries exceeded")

	// ErrWaitExceedsDeadline is the MainErr of an FError
	// when the wait before the next attempt would pass the context's deadline.
	ErrWaitExceedsDeadline = errors.New("waiting for next attempt would exceed deadline")
)

// Func is a function that can be retried.
// It returns recoverable=false to stop retries early.
type Func func(ctx context.Context) (recoverable bool, err error)

// FError records errors accumulated during each execution of f.
// FError is only returned if every f() attempt fails or retries are canceled.
//
// MainErr explains why retries stopped:
// ErrRetriesExceeded, ErrWaitExceedsDeadline, the context's error,
// or the error f returned when it reported it can't recover.
//
// Others holds errors from f attempts, oldest first.
// It may hold fewer errors than the number of attempts
// if the retry mechanism limits how many it keeps.
type FError struct {
	MainErr error
	Others  []error
}

// Error returns a string describing why retries stopped;
// it appends any errors encountered during attempts to the message,
// separated by newlines and indented by one tab.
func (e *FError) Error() string {
	if e == nil {
		return ""
	}

	if len(e.Others) == 0 {
		return e.MainErr.Error()
	}

	errs := make([]string, len(e.Others))
	for i, e := range e.Others {
		errs[i] = fmt.Sprintf("attempt %d: %v", i+1, e)
		for errors.Cause(e) != e {
			e = errors.Cause(e)
			if e == nil {
				break
			}
			errs[i] += fmt.Sprintf("\n\t\tdue to: %v", e)
		}
	}
	return fmt.Sprintf("%s after %d attempts:\n\t%s",
		e.MainErr.Error(), len(errs), strings.Join(errs, "\n\t"))
}

// Unwrap returns MainErr.
func (e *FError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.MainErr
}

// Is reports whether this FError matches target.
//
// If target is an *FError, it matches if MainErr is the same
// and each of the Others match, in order.
//
// Otherwise, it matches if MainErr is target
// or if there is at least one sub error and every one of them matches target.
func (e *FError) Is(target error) bool {
	if e == nil {
		return false
	}

	if fe, ok := target.(*FError); ok {
		if fe == nil || e.MainErr != fe.MainErr || len(e.Others) != len(fe.Others) {
			return false
		}
		for i := range e.Others {
			if !errors.Is(e.Others[i], fe.Others[i]) {
				return false
			}
		}
		return true
	}

	if e.MainErr == target {
		return true
	}

	if len(e.Others) == 0 {
		return false
	}

	for _, err := range e.Others {
		if !errors.Is(err, target) {
			return false
		}
	}
	return true
}

// As tests whether this FError matches the target.
//
// If target is a *FError, As sets it and returns true.
//
// If not, then tests As on _all_ of the sub Errors,
// and only returns true if _all_ of those return true.
// In that case, target is set to the final error in Errors.
//
// If any of the sub errors fail to match the target, this returns false.
func (e *FError) As(target interface{}) bool {
	if e == nil {
		return false
	}

	if re, ok := target.(*FError); ok {
		*re = *e
		return true
	}

	if len(e.Others) == 0 {
		return false
	}

	for _, err := range e.Others {
		if !errors.As(err, target) {
			return false
		}
	}

	return true
}

func (e *FError) addErr(maxErrs int, err error) {
	if maxErrs <= 0 {
		maxErrs = 1
	}

	if len(e.Others) >= maxErrs {
		copy(e.Others, e.Others[len(e.Others)-maxErrs+1:])
		e.Others = e.Others[:maxErrs-1]
	}
	e.Others = append(e.Others, err)
}

// ExpBackOff is used to call a function multiple times,
// waiting an exponentially increasing amount of time between attempts.
//
// Before attempt n (n >= 1), RetryWithCtx waits BackOff*pow(2, n-1).
// If Jitter is true, the wait is instead a random duration up to that amount.
// In either case, the wait never exceeds Max,
// so setting BackOff equal to Max gives a fixed delay.
//
// If KeepErrs is <=0, it only records the most recent error.
// If it's >0, it limits the maximum number of errors to record.
//
// The zero value retries the function as fast as possible
// and only records the most recent error.
type ExpBackOff struct {
	BackOff  time.Duration
	Max      time.Duration
	Jitter   bool
	KeepErrs int
}

// Fixed waits the same amount of time between every attempt.
func Fixed(d time.Duration) ExpBackOff {
	return ExpBackOff{BackOff: d, Max: d, KeepErrs: 10}
}

// nextWait returns the time to wait before the given attempt number.
func (ebo ExpBackOff) nextWait(attempt int) time.Duration {
	if attempt <= 0 || ebo.Max <= 0 {
		return 0
	}

	var w time.Duration
	if attempt > 62 {
		w = ebo.Max
	} else {
		shift := uint(attempt - 1)
		w = ebo.BackOff << shift
		if w <= 0 || w>>shift != ebo.BackOff || w > ebo.Max {
			w = ebo.Max
		}
	}

	if ebo.Jitter && w > 0 {
		w = time.Duration(rand.Int63n(int64(w) + 1))
	}
	return w
}

// RetryWithCtx calls f until one of the following is true:
// - f returns a nil error
// - f returns "false" for recoverable (indicating an unrecoverable error)
// - f has been called "attempts" times
// - ctx is canceled
//
// The context is passed to f unmodified;
// it is up to that function to handle cancellation.
// Errors received from f are wrapped in *FError.
//
// If the context is already canceled, f is never called.
// If the context is canceled between attempts,
// it returns immediately with an error.
// If the context has a deadline and the wait before the next attempt
// would pass it, it returns ErrWaitExceedsDeadline without waiting.
func (ebo ExpBackOff) RetryWithCtx(ctx context.Context, attempts int, f Func) error {
	fe := &FError{}
	if err := ctx.Err(); err != nil {
		fe.MainErr = err
		return fe
	}

	var delay *time.Timer
	defer func() {
		if delay != nil {
			delay.Stop()
		}
	}()

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := ebo.nextWait(attempt)
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
				fe.MainErr = ErrWaitExceedsDeadline
				return fe
			}

			if delay == nil {
				delay = time.NewTimer(wait)
			} else {
				delay.Reset(wait)
			}

			select {
			case <-ctx.Done():
				fe.MainErr = ctx.Err()
				return fe
			case <-delay.C:
			}
		}

		recoverable, err := f(ctx)
		if err == nil {
			return nil
		}

		if recoverable || len(fe.Others) == 0 {
			fe.addErr(ebo.KeepErrs, err)
		}

		if !recoverable {
			fe.MainErr = err
			return fe
		}
	}

	fe.MainErr = ErrRetriesExceeded
	return fe
}
