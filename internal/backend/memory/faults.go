// Package memory implements the backend contracts in process.
//
// It backs the development CLI and doubles as the fixture for session,
// catalog and coordinator tests: every operation can be made to fail,
// writes and listeners are counted, and reads can be gated.
package memory

import "sync"

// Operation names accepted by FailOn.
const (
	OpGet         = "get"
	OpQuery       = "query"
	OpAdd         = "add"
	OpSet         = "set"
	OpUpdate      = "update"
	OpArrayUnion  = "arrayUnion"
	OpArrayRemove = "arrayRemove"
	OpListen      = "listen"
	OpPut         = "put"
	OpDownloadURL = "downloadURL"
	OpSignIn      = "signIn"
	OpSignUp      = "signUp"
	OpDelete      = "deleteCurrent"
)

type faults struct {
	mu   sync.Mutex
	errs map[string]error
	left map[string]int
}

// FailOn makes op fail with err until cleared with a nil err.
func (f *faults) FailOn(op string, err error) { f.FailTimes(op, err, -1) }

// FailTimes makes op fail with err for the next n calls (n < 0 = always).
func (f *faults) FailTimes(op string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string]error)
		f.left = make(map[string]int)
	}
	if err == nil {
		delete(f.errs, op)
		delete(f.left, op)
		return
	}
	f.errs[op] = err
	f.left[op] = n
}

func (f *faults) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err, ok := f.errs[op]
	if !ok {
		return nil
	}
	switch n := f.left[op]; {
	case n < 0:
	case n <= 1:
		delete(f.errs, op)
		delete(f.left, op)
	default:
		f.left[op] = n - 1
	}
	return err
}
