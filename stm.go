package sto

import (
	"github.com/pingcap/errors"
)

// Atomically runs fn in a transaction on th and retries it until it commits.
// An error returned by fn aborts the attempt and is returned without a retry,
// unless it is caused by the abort of the attempt itself.
func (th *Thread) Atomically(fn func(*Transaction) error) error {
	return th.AtomicallyRetry(fn, nil)
}

// AtomicallyRetry is Atomically with a retry policy. After every aborted attempt
// retry is asked whether to go on; when it says no, the last abort is returned
// as ErrAborted. A nil retry always goes on.
func (th *Thread) AtomicallyRetry(fn func(*Transaction) error, retry func() bool) error {
	for {
		done, err := th.runAttempt(fn)
		if done {
			return err
		}
		if retry != nil && !retry() {
			return errors.Trace(ErrAborted)
		}
	}
}

// runAttempt runs one attempt. done is false if the attempt aborted and should
// be rerun.
func (th *Thread) runAttempt(fn func(*Transaction) error) (done bool, err error) {
	txn := th.Begin()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if !txn.finished() {
			txn.AbortBecause(nil, AbortUser)
		}
		if _, ok := r.(abortSignal); ok {
			done, err = false, nil
			return
		}
		panic(r)
	}()

	if err := fn(txn); err != nil {
		// Anything fn saw after an abort may be inconsistent.
		if errors.Cause(err) == ErrAborted || txn.IsAborted() {
			return false, nil
		}
		txn.AbortBecause(nil, AbortUser)
		return true, errors.Trace(err)
	}
	if !txn.InProgress() {
		return false, nil
	}
	return txn.TryCommit(), nil
}

// idleThreads caches the threads used by the package level Atomically.
var idleThreads = make(chan *Thread, MaxThreads)

// Atomically runs fn on a pooled thread. When every thread id is taken it waits
// for a pooled thread to come back.
func Atomically(fn func(*Transaction) error) error {
	var th *Thread
	select {
	case th = <-idleThreads:
	default:
		var err error
		th, err = NewThread()
		if errors.Cause(err) == ErrTooManyThreads {
			th = <-idleThreads
		} else if err != nil {
			return errors.Trace(err)
		}
	}
	defer func() {
		select {
		case idleThreads <- th:
		default:
			th.Release()
		}
	}()
	return th.Atomically(fn)
}
