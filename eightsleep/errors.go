package eightsleep

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotFound is returned when a referenced bed, side, routine, or alarm id
// is absent from the current state. Callers holding ids sourced from an older
// snapshot should refresh and retry; the dispatcher never retries for them.
var ErrNotFound = errors.New("eightsleep: not found")

// HTTPStatusError surfaces non-2xx responses from the cloud API.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e HTTPStatusError) Error() string {
	return fmt.Sprintf("eightsleep api error %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// InvalidRangeError rejects a command parameter outside its documented bounds
// or enumerated set, before any network call is made.
type InvalidRangeError struct {
	Param   string
	Value   string
	Allowed string
}

func (e InvalidRangeError) Error() string {
	return fmt.Sprintf("eightsleep: %s %s not in %s", e.Param, e.Value, e.Allowed)
}

func rangeErr(param string, value, min, max int) InvalidRangeError {
	return InvalidRangeError{
		Param:   param,
		Value:   strconv.Itoa(value),
		Allowed: fmt.Sprintf("[%d,%d]", min, max),
	}
}

func choiceErr(param, value string, allowed ...string) InvalidRangeError {
	return InvalidRangeError{
		Param:   param,
		Value:   fmt.Sprintf("%q", value),
		Allowed: "{" + strings.Join(allowed, ", ") + "}",
	}
}

// InvalidStateError rejects a command that is not valid given the current
// cloud-side state, either detected locally (alarm sub-state) or surfaced
// from an API rejection (heat command on an away side).
type InvalidStateError struct {
	Op     string
	Reason string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("eightsleep: %s invalid in current state: %s", e.Op, e.Reason)
}

// MalformedResponseError marks an API payload missing a required identity
// field. The affected entity's update is skipped; the refresh cycle as a
// whole continues.
type MalformedResponseError struct {
	Entity string
	Reason string
}

func (e MalformedResponseError) Error() string {
	return fmt.Sprintf("eightsleep: malformed %s payload: %s", e.Entity, e.Reason)
}

// RefreshError wraps a transient fetch failure during polling. Previously
// known state is retained; the next scheduled tick retries.
type RefreshError struct {
	Scope Scope
	Err   error
}

func (e RefreshError) Error() string {
	return fmt.Sprintf("eightsleep: refresh %s failed: %v", e.Scope, e.Err)
}

func (e RefreshError) Unwrap() error {
	return e.Err
}

// invalidStateStatus reports whether an API rejection should be surfaced as
// InvalidStateError rather than a plain transport error. The cloud answers
// 400 for commands that conflict with the side's current mode (away, alarm
// already fired) and 409 for priming conflicts.
func invalidStateStatus(status int) bool {
	return status == 400 || status == 409
}

func asStatusError(err error) (HTTPStatusError, bool) {
	var statusErr HTTPStatusError
	ok := errors.As(err, &statusErr)
	return statusErr, ok
}
