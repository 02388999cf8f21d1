package core

import (
	"fmt"
	"runtime"
)

// ContractViolation is the panic value raised when a caller breaks a
// threading or lifecycle contract (wrong sequence, double binding, unbalanced
// override, missing executor registration).
type ContractViolation struct {
	Message  string
	Location Location
}

func (e *ContractViolation) Error() string {
	if e.Location.IsZero() {
		return "contract violation: " + e.Message
	}
	return fmt.Sprintf("contract violation at %s: %s", e.Location, e.Message)
}

// DCheckIsOn reports whether DCheck failures panic. Builds tagged "release"
// only log them.
func DCheckIsOn() bool {
	return dcheckIsOn
}

// DCheck asserts a programming contract. With dcheck on (the default build)
// a false condition panics with *ContractViolation; in release builds it is
// logged and execution continues on a best-effort basis.
func DCheck(cond bool, format string, args ...any) {
	if cond {
		return
	}
	v := newContractViolation(format, args...)
	if dcheckIsOn {
		panic(v)
	}
	GetLogger().Error("DCHECK failed", F("message", v.Message), F("location", v.Location.String()))
}

// Check is DCheck that stays fatal in every build. It is used where
// continuing would silently drop or misroute work.
func Check(cond bool, format string, args ...any) {
	if cond {
		return
	}
	panic(newContractViolation(format, args...))
}

func newContractViolation(format string, args ...any) *ContractViolation {
	v := &ContractViolation{Message: fmt.Sprintf(format, args...)}
	// Skip newContractViolation and DCheck/Check.
	if pc, file, line, ok := runtime.Caller(2); ok {
		v.Location = locationFromPC(pc, file, line)
	}
	return v
}
