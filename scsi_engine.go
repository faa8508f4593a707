package mscbbb

import (
	"context"
	"fmt"

	"github.com/prometheus/common/log"

	"github.com/coreos/go-mscbbb/scsi"
)

// bbbSink is the interface the SCSI layer uses to talk back to the BBB
// transport, per spec.md §9's explicit unidirectional wiring: "SCSI
// invokes BBB via send_payload(buf, len), recv_payload(buf, len),
// send_status(status, residue)." Keeping this as an interface (rather
// than scsiEngine holding a *bbbEngine directly) is what breaks the
// cyclic global-state coupling the source has between scsi_ctx and
// bbb_ctx.
type bbbSink interface {
	sendPayload(buf []byte) error
	recvPayload(buf []byte) (int, error)
	sendStatus(status byte, residue uint32)
}

// scsiEngine is the SCSI command queue, parser, dispatcher, and state
// machine (§4.2, §4.4, §4.5, §4.7). It is deliberately ignorant of USB
// endpoint or transport details; all transport I/O happens through sink.
type scsiEngine struct {
	cfg       Config
	backend   Backend
	blockSize uint32

	queue *cmdQueue
	sink  bbbSink

	state scsiState
	sense senseData

	buffer []byte

	// mediumNotReady is a test/extension hook for §4.5's TEST UNIT READY
	// "medium present" branch; this core has no media-change detection
	// (§1 Non-goals), so it defaults to false (always ready).
	mediumNotReady bool
}

func newSCSIEngine(cfg Config, backend Backend, sink bbbSink) (*scsiEngine, error) {
	blockSize, err := backend.BlockSize()
	if err != nil {
		return nil, fmt.Errorf("mscbbb: querying backend block size: %w", err)
	}
	if err := cfg.validate(blockSize); err != nil {
		return nil, err
	}
	return &scsiEngine{
		cfg:       cfg,
		backend:   backend,
		blockSize: blockSize,
		queue:     newCmdQueue(),
		sink:      sink,
		state:     stateIdle,
		buffer:    make([]byte, cfg.BufferSize),
	}, nil
}

// parseCDB is called from the BBB producer path once a CBW has been
// validated; it decodes the CDB into a command and enqueues it. Per §4.2
// this may run in the ISR-equivalent producer context, so all it does is
// build a value and push it onto the bounded queue.
func (e *scsiEngine) parseCDB(c cbw) error {
	cmd := newCommand(c)
	cmd.byteLength = cmd.blocks * e.blockSize
	return e.queue.enqueue(cmd)
}

// queueEmpty reports whether the command queue has no outstanding
// commands, without taking the queue's lock (§4.2).
func (e *scsiEngine) queueEmpty() bool {
	return e.queue.isEmpty()
}

// execStep dequeues and runs exactly one command, if any is queued. It is
// the SCSI-side half of the main-loop step (§2, §5): idempotent when the
// queue is empty.
func (e *scsiEngine) execStep(ctx context.Context) {
	cmd, ok := e.queue.dequeue()
	if !ok {
		return
	}
	e.dispatch(ctx, cmd)
}

// reset restores the SCSI context to its post-init state: Idle, no
// pending sense, empty queue. Used by reset recovery, after a Mass Storage
// Reset (§4.3) or an Engine.Reset call.
func (e *scsiEngine) reset() {
	e.state = stateIdle
	e.sense = senseData{}
	e.queue.drain()
}

func (e *scsiEngine) clearSense() {
	e.sense = senseData{}
}

func (e *scsiEngine) recordSense(s senseData) {
	e.sense = s
}

// dispatch validates the opcode against the current state (§4.4) and, if
// legal, runs its handler. An illegal transition is recorded as sense
// {ILLEGAL_REQUEST, INVALID_COMMAND_OPERATION_CODE, 0}, fails the CSW
// with residue equal to the full anticipated length, and moves the state
// machine to Error — unconditionally, per spec.md §9's REDESIGN FLAG that
// every handler now validates first.
func (e *scsiEngine) dispatch(ctx context.Context, cmd command) {
	next, ok := e.transition(cmd.opcode)
	if !ok {
		log.Debugf("mscbbb: illegal opcode %#x in state %s", cmd.opcode, e.state)
		e.recordSense(senseFromASC(scsi.SenseIllegalRequest, scsi.AscInvalidCommandOperationCode))
		e.state = stateError
		e.sink.sendStatus(scsi.CswStatusFailed, cmd.dataLength)
		return
	}
	e.state = next
	e.runHandler(ctx, &cmd)
	e.completeDataPhase()
}

// expectedDataPhase reports which way data should move for opcode, and
// whether it has a data phase at all. The BBB transport uses this to
// reconcile the host's declared CBW direction against the command it
// actually carries (§2, §7) before committing to a data phase; it is
// opcode classification, not dispatch, so it is safe to call before a
// command is queued or state-validated.
func (e *scsiEngine) expectedDataPhase(opcode byte) (dir Direction, hasData bool) {
	switch opcode {
	case scsi.Inquiry, scsi.RequestSense, scsi.ReadCapacity, scsi.ServiceActionIn16,
		scsi.ReadFormatCapacities, scsi.ReportLuns, scsi.ModeSense, scsi.ModeSense10,
		scsi.Read6, scsi.Read10, scsi.Read12, scsi.Read16:
		return DirIn, true
	case scsi.ModeSelect, scsi.ModeSelect10,
		scsi.Write6, scsi.Write10, scsi.Write12, scsi.Write16:
		return DirOut, true
	default:
		// TestUnitReady, AllowMediumRemoval, SendDiagnostic (accepted only
		// with an empty parameter list, §4.5) and anything unrecognised
		// carry no data phase.
		return DirOut, false
	}
}
