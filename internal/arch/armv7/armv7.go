// Package armv7 describes the trapped execution context handed to interrupt
// handlers and routes exceptions from the trap-entry code to Go handlers.
package armv7

import (
	"errors"
	"fmt"
)

var ErrUnhandledException = errors.New("armv7: unhandled exception")

// Regs is the core register state saved by the exception entry code. It is
// only valid for the duration of the trap that produced it.
type Regs struct {
	R    [13]uint32 // r0-r12
	SP   uint32
	LR   uint32
	PC   uint32
	CPSR uint32
}

// Mode returns the processor mode field of the saved CPSR.
func (r *Regs) Mode() Mode {
	return Mode(r.CPSR & 0x1f)
}

// Mode is an ARMv7 processor mode.
type Mode uint32

const (
	ModeUSR Mode = 0x10
	ModeFIQ Mode = 0x11
	ModeIRQ Mode = 0x12
	ModeSVC Mode = 0x13
	ModeMON Mode = 0x16
	ModeABT Mode = 0x17
	ModeHYP Mode = 0x1a
	ModeUND Mode = 0x1b
	ModeSYS Mode = 0x1f
)

func (m Mode) String() string {
	switch m {
	case ModeUSR:
		return "usr"
	case ModeFIQ:
		return "fiq"
	case ModeIRQ:
		return "irq"
	case ModeSVC:
		return "svc"
	case ModeMON:
		return "mon"
	case ModeABT:
		return "abt"
	case ModeHYP:
		return "hyp"
	case ModeUND:
		return "und"
	case ModeSYS:
		return "sys"
	default:
		return fmt.Sprintf("Mode(%#x)", uint32(m))
	}
}

// Status is returned to the trap-entry code. Anything but StatusSuccess
// makes the trampoline escalate instead of resuming the interrupted context.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusNotFound
	StatusUnsupported
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusNotFound:
		return "not found"
	case StatusUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Exception identifies the vector a trap arrived through.
type Exception uint8

const (
	ExceptionUndefined Exception = iota
	ExceptionHypercall
	ExceptionPrefetchAbort
	ExceptionDataAbort
	ExceptionHypTrap
	ExceptionIRQ
	ExceptionFIQ
)

func (e Exception) String() string {
	switch e {
	case ExceptionUndefined:
		return "undefined"
	case ExceptionHypercall:
		return "hvc"
	case ExceptionPrefetchAbort:
		return "prefetch abort"
	case ExceptionDataAbort:
		return "data abort"
	case ExceptionHypTrap:
		return "hyp trap"
	case ExceptionIRQ:
		return "irq"
	case ExceptionFIQ:
		return "fiq"
	default:
		return fmt.Sprintf("Exception(%d)", uint8(e))
	}
}

// TrapHandler runs for one exception with the saved register context.
type TrapHandler func(regs *Regs) Status

// Vectors maps exceptions to Go handlers. The exception entry code calls
// Trap with the vector it was entered through.
type Vectors map[Exception]TrapHandler

// Trap runs the handler for e. A missing handler or a non-success status is
// reported as ErrUnhandledException so the caller can escalate.
func (v Vectors) Trap(e Exception, regs *Regs) (Status, error) {
	h, ok := v[e]
	if !ok || h == nil {
		return StatusNotFound, fmt.Errorf("%w: no handler for %s", ErrUnhandledException, e)
	}
	status := h(regs)
	if status != StatusSuccess {
		return status, fmt.Errorf("%w: %s handler returned %s", ErrUnhandledException, e, status)
	}
	return status, nil
}
