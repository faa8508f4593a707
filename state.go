package mscbbb

import "github.com/coreos/go-mscbbb/scsi"

// scsiState is one of the four states of the SCSI context per §3/§4.4.
type scsiState int

const (
	stateIdle scsiState = iota
	stateRead
	stateWrite
	stateError
)

func (s scsiState) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateRead:
		return "Read"
	case stateWrite:
		return "Write"
	case stateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// transition validates that opcode is a legal command in the engine's
// current SCSI state and returns the state to adopt once the command
// completes. It is the uniform pre-dispatch check spec.md §9 calls out as
// a REDESIGN FLAG: neither original_source/scsi.c's scsi_execute_cmd nor
// go-tcmu/cmd_handler.go's HandleCommand gate dispatch on a state machine
// (TCMU has no Read/Write/Error states; the kernel enforces SCSI command
// ordering upstream of it), so every handler call in this port is routed
// through transition first.
//
// From Idle, every recognised opcode is legal and returns to Idle, except
// the data-streaming READ/WRITE opcodes (6/10/12/16-byte CDB forms) which
// transition into Read/Write for the duration of their data phase. From
// Read, only a READ opcode continues streaming; everything else is
// illegal. Write is symmetric. From Error, only REQUEST SENSE (stays Idle
// after reporting) and MODE SENSE(10) (returns to Idle) are legal.
func (e *scsiEngine) transition(opcode byte) (next scsiState, ok bool) {
	switch e.state {
	case stateIdle:
		switch opcode {
		case scsi.Read6, scsi.Read10, scsi.Read12, scsi.Read16:
			return stateRead, true
		case scsi.Write6, scsi.Write10, scsi.Write12, scsi.Write16:
			return stateWrite, true
		case scsi.Inquiry, scsi.TestUnitReady, scsi.RequestSense,
			scsi.ReadCapacity, scsi.ServiceActionIn16, scsi.ReadFormatCapacities,
			scsi.ReportLuns, scsi.ModeSense, scsi.ModeSense10,
			scsi.ModeSelect, scsi.ModeSelect10, scsi.AllowMediumRemoval,
			scsi.SendDiagnostic:
			return stateIdle, true
		default:
			return stateError, false
		}
	case stateRead:
		switch opcode {
		case scsi.Read6, scsi.Read10, scsi.Read12, scsi.Read16:
			return stateRead, true
		}
		return stateError, false
	case stateWrite:
		switch opcode {
		case scsi.Write6, scsi.Write10, scsi.Write12, scsi.Write16:
			return stateWrite, true
		}
		return stateError, false
	case stateError:
		switch opcode {
		case scsi.RequestSense:
			return stateIdle, true
		case scsi.ModeSense10:
			return stateIdle, true
		default:
			return stateError, false
		}
	default:
		return stateError, false
	}
}

// completeDataPhase returns the engine to Idle once a Read/Write data
// phase finishes successfully; it is a no-op from any other state.
func (e *scsiEngine) completeDataPhase() {
	if e.state == stateRead || e.state == stateWrite {
		e.state = stateIdle
	}
}
