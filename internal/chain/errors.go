package chain

import (
	"errors"
	"strings"

	"github.com/resolvd/resolvd/internal/util"
)

// TransientError wraps a chain failure that a retry may clear (RPC timeout,
// nonce collision, rate limit).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient chain error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError wraps a chain failure that retrying cannot clear (revert,
// insufficient bond). Operator intervention is required.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent chain error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Transient marks err as a retryable chain error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent marks err as a non-retryable chain error. The non-retryable
// marker rides along so the scheduler's retry policy stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return util.MarkNonRetryable(&PermanentError{Err: err})
}

// IsTransient reports whether err is a transient chain error.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is a permanent chain error.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

var permanentMarkers = []string{
	"execution reverted",
	"insufficient funds",
	"insufficient bond",
	"always failing transaction",
	"gas required exceeds allowance",
	"invalid opcode",
}

// Classify wraps a raw RPC/transaction error as transient or permanent.
// Reverts and funding failures are permanent; everything else (timeouts,
// nonce races, connection drops) is worth retrying.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return Permanent(err)
		}
	}
	return Transient(err)
}
