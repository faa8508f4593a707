package mscbbb

import (
	"testing"

	"github.com/coreos/go-mscbbb/scsi"
)

func TestTransitionFromIdle(t *testing.T) {
	var tests = []struct {
		opcode byte
		want   scsiState
		ok     bool
	}{
		{scsi.Inquiry, stateIdle, true},
		{scsi.TestUnitReady, stateIdle, true},
		{scsi.Read10, stateRead, true},
		{scsi.Write10, stateWrite, true},
		{0x7e, stateError, false}, // unrecognised opcode
	}
	e := &scsiEngine{state: stateIdle}
	for i, tt := range tests {
		got, ok := e.transition(tt.opcode)
		if got != tt.want || ok != tt.ok {
			t.Errorf("[%02d] transition(%#x) from Idle = (%v, %v), want (%v, %v)", i, tt.opcode, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTransitionFromReadAndWrite(t *testing.T) {
	e := &scsiEngine{state: stateRead}
	if next, ok := e.transition(scsi.Read10); !ok || next != stateRead {
		t.Errorf("READ(10) from Read = (%v, %v), want (Read, true)", next, ok)
	}
	if next, ok := e.transition(scsi.Inquiry); ok || next != stateError {
		t.Errorf("INQUIRY from Read = (%v, %v), want (Error, false)", next, ok)
	}

	e = &scsiEngine{state: stateWrite}
	if next, ok := e.transition(scsi.Write10); !ok || next != stateWrite {
		t.Errorf("WRITE(10) from Write = (%v, %v), want (Write, true)", next, ok)
	}
	if next, ok := e.transition(scsi.Read10); ok || next != stateError {
		t.Errorf("READ(10) from Write = (%v, %v), want (Error, false)", next, ok)
	}
}

func TestTransitionFromError(t *testing.T) {
	e := &scsiEngine{state: stateError}
	if next, ok := e.transition(scsi.RequestSense); !ok || next != stateIdle {
		t.Errorf("REQUEST SENSE from Error = (%v, %v), want (Idle, true)", next, ok)
	}
	e = &scsiEngine{state: stateError}
	if next, ok := e.transition(scsi.ModeSense10); !ok || next != stateIdle {
		t.Errorf("MODE SENSE(10) from Error = (%v, %v), want (Idle, true)", next, ok)
	}
	e = &scsiEngine{state: stateError}
	if next, ok := e.transition(scsi.Inquiry); ok || next != stateError {
		t.Errorf("INQUIRY from Error = (%v, %v), want (Error, false)", next, ok)
	}
}

func TestCompleteDataPhase(t *testing.T) {
	e := &scsiEngine{state: stateRead}
	e.completeDataPhase()
	if e.state != stateIdle {
		t.Errorf("completeDataPhase from Read left state %v, want Idle", e.state)
	}

	e = &scsiEngine{state: stateWrite}
	e.completeDataPhase()
	if e.state != stateIdle {
		t.Errorf("completeDataPhase from Write left state %v, want Idle", e.state)
	}

	e = &scsiEngine{state: stateError}
	e.completeDataPhase()
	if e.state != stateError {
		t.Errorf("completeDataPhase from Error should be a no-op, got %v", e.state)
	}
}
