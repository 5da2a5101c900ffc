package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ybc112/daojishi/internal/engine"
)

// RevertError is a transaction or call the contract rejected for a reason
// that has no engine sentinel. Re-sending it cannot succeed.
type RevertError struct {
	Method string
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: execution reverted", e.Method)
	}
	return fmt.Sprintf("%s: execution reverted: %s", e.Method, e.Reason)
}

func (e *RevertError) Permanent() bool { return true }

// ErrTxFailed is returned for a mined transaction with failed status whose
// revert reason could not be recovered.
var ErrTxFailed = errors.New("transaction failed")

func isRevert(err error) bool {
	if err == nil {
		return false
	}
	var re *RevertError
	if errors.As(err, &re) || engine.IsRejection(err) || errors.Is(err, ErrTxFailed) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

// revertReason extracts the text after "execution reverted:".
func revertReason(msg string) string {
	const marker = "execution reverted"
	idx := strings.Index(strings.ToLower(msg), marker)
	if idx < 0 {
		return ""
	}
	rest := strings.TrimSpace(msg[idx+len(marker):])
	rest = strings.TrimPrefix(rest, ":")
	return strings.TrimSpace(rest)
}

// mapRevert turns a node revert error into an engine rejection when the
// reason names one, or a RevertError otherwise. Non-revert errors are
// returned unchanged.
func mapRevert(method string, err error) error {
	if err == nil || !strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		return err
	}
	reason := revertReason(err.Error())
	if sentinel, ok := engine.RejectionFromReason(reason); ok {
		return fmt.Errorf("%s: %w", method, sentinel)
	}
	return &RevertError{Method: method, Reason: reason}
}
