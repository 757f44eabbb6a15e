package purchase

import (
	"errors"
	"fmt"
)

// OutcomeKind tags a TransactionOutcome.
type OutcomeKind int

const (
	// Confirmed: the transaction was included and executed successfully.
	Confirmed OutcomeKind = iota
	// Failed: the purchase did not happen; Cause says why.
	Failed
	// TimedOut: the transaction was broadcast but no receipt appeared within
	// the poll ceiling. It may still land; it is not a failure.
	TimedOut
	// Deferred: another submission was unresolved, nothing was broadcast.
	Deferred
)

func (k OutcomeKind) String() string {
	switch k {
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Outcome is the result of one Execute call.
type Outcome struct {
	Kind    OutcomeKind
	TxHash  string // set for Confirmed and TimedOut; may be set for a reverted Failed
	Purpose string
	Cause   *Error // set for Failed
}

// ErrorKind classifies a failed purchase.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConfiguration
	KindNetwork
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindNetwork:
		return "network"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per taxonomy class. *Error matches the sentinel of its
// kind under errors.Is.
var (
	ErrConfiguration = errors.New("purchase: configuration error")
	ErrNetwork       = errors.New("purchase: network error")
	ErrRejected      = errors.New("purchase: transaction rejected")
	ErrUnknown       = errors.New("purchase: unknown failure")
	ErrTimeout       = errors.New("purchase: confirmation timed out")
	ErrInFlight      = errors.New("purchase: another submission is unresolved")
)

// Error is the cause carried by a Failed outcome.
type Error struct {
	Kind ErrorKind
	Op   string // step that failed: "precondition", "nonce", "gas_price", "sign", "broadcast", "receipt", "policy"
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("purchase: %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRejected) and friends match by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrRejected:
		return e.Kind == KindRejected
	case ErrUnknown:
		return e.Kind == KindUnknown
	}
	return false
}

// Retryable reports whether the next decision cycle may try again. Only
// configuration errors are permanent.
func (e *Error) Retryable() bool { return e.Kind != KindConfiguration }

func failed(purpose string, kind ErrorKind, op string, err error) Outcome {
	return Outcome{Kind: Failed, Purpose: purpose, Cause: &Error{Kind: kind, Op: op, Err: err}}
}

// Err converts an outcome to an error for callers that prefer one. Confirmed
// yields nil; TimedOut yields ErrTimeout; Deferred yields ErrInFlight.
func (o Outcome) Err() error {
	switch o.Kind {
	case Confirmed:
		return nil
	case TimedOut:
		return fmt.Errorf("%w: %s", ErrTimeout, o.TxHash)
	case Deferred:
		return ErrInFlight
	default:
		if o.Cause == nil {
			return ErrUnknown
		}
		return o.Cause
	}
}
