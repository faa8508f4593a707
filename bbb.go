package mscbbb

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/common/log"

	"github.com/coreos/go-mscbbb/scsi"
)

// bbbState is one of the five states of the Bulk-Only Transport per
// §3/§4.3.
type bbbState int

const (
	bbbReady bbbState = iota
	bbbDataOut
	bbbDataIn
	bbbStatus
	bbbStallRecovery
)

func (s bbbState) String() string {
	switch s {
	case bbbReady:
		return "Ready"
	case bbbDataOut:
		return "Data-OUT"
	case bbbDataIn:
		return "Data-IN"
	case bbbStatus:
		return "Status"
	case bbbStallRecovery:
		return "Stall-recovery"
	default:
		return "Unknown"
	}
}

// bbbEngine is the Bulk-Only Transport framing and resynchronization
// state machine (§4.3). It owns the Controller and implements bbbSink so
// the SCSI layer can drive a data phase and status phase through it
// without either layer holding a reference cycle (§9's "two independent
// modules connected by an explicit interface").
type bbbEngine struct {
	ctrl   Controller
	scsi   *scsiEngine
	maxLUN byte

	state bbbState

	lastTag        uint32
	lastDir        Direction
	lastDataLength uint32

	resetRequested atomic.Bool
}

func newBBBEngine(ctrl Controller, maxLUN byte) *bbbEngine {
	return &bbbEngine{
		ctrl:   ctrl,
		maxLUN: maxLUN,
		state:  bbbReady,
	}
}

// attach binds the SCSI engine this transport drives. Resolves the
// construction-order cycle between scsiEngine (which needs a bbbSink) and
// bbbEngine (which needs a *scsiEngine).
func (b *bbbEngine) attach(s *scsiEngine) {
	b.scsi = s
}

// requestReset marks a Mass Storage Reset as pending; per §4.3 it is only
// acted on at the next main-loop step, never synchronously from the
// control-request path.
func (b *bbbEngine) requestReset() {
	b.resetRequested.Store(true)
}

// recover performs the reset-recovery sequence: abort any in-flight
// handler by draining the SCSI queue and resetting its state, clear
// sense, and re-arm to Ready. No CSW is emitted for whatever command was
// aborted (§4.3, §8 scenario 6).
func (b *bbbEngine) recover() {
	b.scsi.reset()
	b.state = bbbReady
	b.lastTag = 0
	b.lastDataLength = 0
}

// step runs one iteration of the BBB main loop: observe a pending reset,
// or else (in Ready) receive and process the next CBW. It is idempotent
// when there is nothing to do, matching exec_automaton's contract (§6).
func (b *bbbEngine) step(ctx context.Context) error {
	if b.resetRequested.CompareAndSwap(true, false) {
		log.Debugf("mscbbb: observing Mass Storage Reset request")
		b.recover()
		return nil
	}
	if b.state != bbbReady {
		// Stall-recovery: nothing to do until a reset is observed above.
		return nil
	}
	return b.receiveCBW(ctx)
}

func (b *bbbEngine) receiveCBW(ctx context.Context) error {
	frame := make([]byte, scsi.CbwLength)
	n, err := b.ctrl.Recv(EndpointOut, frame)
	if err != nil {
		return fmt.Errorf("mscbbb: receiving CBW: %w", err)
	}
	c, perr := unpackCBW(frame[:n], b.maxLUN)
	if perr != nil {
		log.Errorf("mscbbb: invalid CBW: %v", perr)
		b.stallForReset(senseFromASC(scsi.SenseIllegalRequest, scsi.AscInvalidFieldInCdb))
		return nil
	}

	b.lastTag = c.tag
	b.lastDir = c.direction()
	b.lastDataLength = c.dataTransferLength

	wantDir, hasData := b.scsi.expectedDataPhase(c.cdb[0])
	if hasData && c.dataTransferLength > 0 && wantDir != c.direction() {
		log.Errorf("mscbbb: CBW direction %v does not match opcode %#x's data phase %v", c.direction(), c.cdb[0], wantDir)
		b.phaseError(c)
		return nil
	}

	if c.dataTransferLength == 0 {
		b.state = bbbStatus
	} else if c.direction() == DirIn {
		b.state = bbbDataIn
	} else {
		b.state = bbbDataOut
	}

	if err := b.scsi.parseCDB(c); err != nil {
		log.Errorf("mscbbb: %v", err)
		b.stallForReset(senseFromASC(scsi.SenseIllegalRequest, scsi.AscInvalidFieldInCdb))
		return nil
	}

	ctx2 := ctx
	b.scsi.execStep(ctx2)
	return nil
}

// stallForReset enters Stall-recovery: both bulk endpoints are stalled
// and no CSW is sent; the engine waits for a host-initiated Mass Storage
// Reset (§4.3, §7).
func (b *bbbEngine) stallForReset(sense senseData) {
	b.scsi.recordSense(sense)
	if err := b.ctrl.Stall(EndpointIn); err != nil {
		log.Errorf("mscbbb: stalling IN endpoint: %v", err)
	}
	if err := b.ctrl.Stall(EndpointOut); err != nil {
		log.Errorf("mscbbb: stalling OUT endpoint: %v", err)
	}
	b.state = bbbStallRecovery
}

// phaseError handles a CBW whose declared direction disagrees with the
// data phase its own CDB requires (§2, §7): the pipe the device would
// have used is stalled, a phase-error CSW is still returned over bulk IN
// so the host can recognize the error, and the transport then waits for
// a Mass Storage Reset, the same as any other stall-recovery condition.
func (b *bbbEngine) phaseError(c cbw) {
	if c.direction() == DirIn {
		if err := b.ctrl.Stall(EndpointIn); err != nil {
			log.Errorf("mscbbb: stalling IN endpoint on phase error: %v", err)
		}
	} else {
		if err := b.ctrl.Stall(EndpointOut); err != nil {
			log.Errorf("mscbbb: stalling OUT endpoint on phase error: %v", err)
		}
	}
	cswFrame := csw{tag: c.tag, residue: c.dataTransferLength, status: scsi.CswStatusPhaseError}
	if _, err := b.ctrl.Send(EndpointIn, cswFrame.pack()); err != nil {
		log.Errorf("mscbbb: sending phase-error CSW: %v", err)
	}
	b.state = bbbStallRecovery
}

// sendPayload implements bbbSink: it pushes buf to the host over bulk IN
// during a Data-IN phase.
func (b *bbbEngine) sendPayload(buf []byte) error {
	b.state = bbbDataIn
	n, err := b.ctrl.Send(EndpointIn, buf)
	if err != nil {
		return fmt.Errorf("mscbbb: sending data-IN payload: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("mscbbb: short data-IN send: %d/%d bytes", n, len(buf))
	}
	return nil
}

// recvPayload implements bbbSink: it reads buf from the host over bulk
// OUT during a Data-OUT phase.
func (b *bbbEngine) recvPayload(buf []byte) (int, error) {
	b.state = bbbDataOut
	n, err := b.ctrl.Recv(EndpointOut, buf)
	if err != nil {
		return n, fmt.Errorf("mscbbb: receiving data-OUT payload: %w", err)
	}
	return n, nil
}

// sendStatus implements bbbSink: it emits the 13-byte CSW and returns
// the transport to Ready. Per §4.3, if the host declared an OUT data
// phase the device refused, the OUT endpoint is stalled before the
// failed CSW is sent.
func (b *bbbEngine) sendStatus(status byte, residue uint32) {
	b.state = bbbStatus
	if status != scsi.CswStatusPassed && b.lastDir == DirOut && b.lastDataLength > 0 {
		if err := b.ctrl.Stall(EndpointOut); err != nil {
			log.Errorf("mscbbb: stalling OUT endpoint before failed CSW: %v", err)
		}
	}
	c := csw{tag: b.lastTag, residue: residue, status: status}
	if _, err := b.ctrl.Send(EndpointIn, c.pack()); err != nil {
		log.Errorf("mscbbb: sending CSW: %v", err)
	}
	b.state = bbbReady
}
