package mscbbb

import (
	"context"
	"encoding/binary"

	"github.com/prometheus/common/log"

	"github.com/coreos/go-mscbbb/scsi"
)

// runHandler dispatches an already state-validated command to its
// opcode handler. Grounded 1:1 on go-tcmu/cmd_handler.go's
// ReadWriterAtCmdHandler.HandleCommand switch; see SPEC_FULL.md §4.5 for
// the per-opcode grounding table.
func (e *scsiEngine) runHandler(ctx context.Context, cmd *command) {
	switch cmd.opcode {
	case scsi.Inquiry:
		e.hInquiry(cmd)
	case scsi.TestUnitReady:
		e.hTestUnitReady(cmd)
	case scsi.RequestSense:
		e.hRequestSense(cmd)
	case scsi.ReadCapacity:
		e.hReadCapacity10(cmd)
	case scsi.ServiceActionIn16:
		e.hServiceActionIn16(cmd)
	case scsi.ReadFormatCapacities:
		e.hReadFormatCapacities(cmd)
	case scsi.ReportLuns:
		e.hReportLuns(cmd)
	case scsi.ModeSense, scsi.ModeSense10:
		e.hModeSense(cmd)
	case scsi.ModeSelect, scsi.ModeSelect10:
		e.hModeSelect(cmd)
	case scsi.AllowMediumRemoval:
		e.hPreventAllowMediumRemoval(cmd)
	case scsi.Read6, scsi.Read10, scsi.Read12, scsi.Read16:
		e.hRead(ctx, cmd)
	case scsi.Write6, scsi.Write10, scsi.Write12, scsi.Write16:
		e.hWrite(ctx, cmd)
	case scsi.SendDiagnostic:
		e.hSendDiagnostic(cmd)
	default:
		log.Debugf("mscbbb: unhandled opcode %#x", cmd.opcode)
		e.fail(cmd, senseFromASC(scsi.SenseIllegalRequest, scsi.AscInvalidCommandOperationCode), cmd.dataLength)
	}
}

// succeed clears pending sense (§3: "cleared on successful completion")
// and emits a successful CSW with the given residue.
func (e *scsiEngine) succeed(cmd *command, residue uint32) {
	e.clearSense()
	e.sink.sendStatus(scsi.CswStatusPassed, residue)
}

// fail records sense, emits a failed CSW with the given residue, and
// moves the state machine to Error (§4.7: "setting an error also
// transitions SCSI state to Error"). Use this for genuine protocol or
// medium errors. failTransient is the named exception for errors that
// complete back in Idle.
func (e *scsiEngine) fail(cmd *command, s senseData, residue uint32) {
	e.recordSense(s)
	e.state = stateError
	e.sink.sendStatus(scsi.CswStatusFailed, residue)
}

// failTransient records sense and emits a failed CSW without forcing
// Error, for the one case §4.7 calls out explicitly: a transient
// condition, such as TEST UNIT READY's unit-not-ready, that resolves
// back to Idle on its own rather than requiring REQUEST SENSE or MODE
// SENSE(10) to clear Error first.
func (e *scsiEngine) failTransient(cmd *command, s senseData, residue uint32) {
	e.recordSense(s)
	e.sink.sendStatus(scsi.CswStatusFailed, residue)
}

// hInquiry renders the 36-byte standard INQUIRY response. Grounded on
// go-tcmu/cmd_handler.go's EmulateStdInquiry; field values follow §4.5's
// table (peripheral type 0, RMB=1, version=0, response data format=2,
// additional length=31).
func (e *scsiEngine) hInquiry(cmd *command) {
	buf := make([]byte, 36)
	buf[1] = 0x80 // RMB=1 (removable)
	buf[2] = 0x00 // version
	buf[3] = 0x02 // response data format
	buf[4] = 31   // additional length
	copy(buf[8:16], fixedString(e.cfg.Manufacturer, maxManufacturerLen))
	copy(buf[16:32], fixedString(e.cfg.Product, maxProductLen))
	copy(buf[32:36], fixedString(e.cfg.Revision, maxRevisionLen))

	if err := e.sink.sendPayload(truncate(buf, cmd.dataLength)); err != nil {
		log.Errorf("mscbbb: INQUIRY send failed: %v", err)
	}
	e.succeed(cmd, residueFor(cmd.dataLength, len(buf)))
}

// hTestUnitReady reports medium readiness. This core carries no
// media-change detection (§1 Non-goals), so the only failure path is the
// mediumNotReady test hook.
func (e *scsiEngine) hTestUnitReady(cmd *command) {
	if e.mediumNotReady {
		e.failTransient(cmd, senseFromASC(scsi.SenseNotReady, uint16(scsi.AscLogicalUnitNotReady)|uint16(scsi.AscqBecomingReady)), 0)
		return
	}
	e.succeed(cmd, 0)
}

// hRequestSense returns the 18-byte fixed-format sense response and
// clears last-error on successful return (§4.5, §4.7).
func (e *scsiEngine) hRequestSense(cmd *command) {
	resp := requestSenseResponse(e.sense)
	if err := e.sink.sendPayload(truncate(resp, cmd.dataLength)); err != nil {
		log.Errorf("mscbbb: REQUEST SENSE send failed: %v", err)
	}
	e.succeed(cmd, residueFor(cmd.dataLength, len(resp)))
}

// hReadCapacity10 returns the 8-byte {last LBA, block size} response.
// Grounded on go-tcmu/cmd_handler.go's EmulateReadCapacity16 packing
// idiom, narrowed to the 10-byte form's 32-bit fields.
func (e *scsiEngine) hReadCapacity10(cmd *command) {
	blocks, err := e.backend.Capacity()
	if err != nil {
		e.fail(cmd, senseFromASC(scsi.SenseMediumError, scsi.AscReadError), cmd.dataLength)
		return
	}
	buf := make([]byte, 8)
	order := binary.BigEndian
	order.PutUint32(buf[0:4], blocks-1)
	order.PutUint32(buf[4:8], e.blockSize)
	if err := e.sink.sendPayload(truncate(buf, cmd.dataLength)); err != nil {
		log.Errorf("mscbbb: READ CAPACITY(10) send failed: %v", err)
	}
	e.succeed(cmd, residueFor(cmd.dataLength, len(buf)))
}

// hServiceActionIn16 dispatches the service-action byte of a 16-byte
// command; the only service action this core supports is READ CAPACITY
// (16) (SaiReadCapacity16). Grounded on go-tcmu/cmd_handler.go's
// EmulateServiceActionIn.
func (e *scsiEngine) hServiceActionIn16(cmd *command) {
	action := cmd.cdb[1] & 0x1f
	if action != scsi.SaiReadCapacity16 {
		e.fail(cmd, senseFromASC(scsi.SenseIllegalRequest, scsi.AscInvalidFieldInCdb), cmd.dataLength)
		return
	}
	blocks, err := e.backend.Capacity()
	if err != nil {
		e.fail(cmd, senseFromASC(scsi.SenseMediumError, scsi.AscReadError), cmd.dataLength)
		return
	}
	buf := make([]byte, 32)
	order := binary.BigEndian
	order.PutUint64(buf[0:8], uint64(blocks)-1)
	order.PutUint32(buf[8:12], e.blockSize)
	if err := e.sink.sendPayload(truncate(buf, cmd.dataLength)); err != nil {
		log.Errorf("mscbbb: READ CAPACITY(16) send failed: %v", err)
	}
	e.succeed(cmd, residueFor(cmd.dataLength, len(buf)))
}

// hReadFormatCapacities returns a single capacity-list descriptor:
// numblocks, descriptor code 2 (Formatted Media), block length.
func (e *scsiEngine) hReadFormatCapacities(cmd *command) {
	blocks, err := e.backend.Capacity()
	if err != nil {
		e.fail(cmd, senseFromASC(scsi.SenseMediumError, scsi.AscReadError), cmd.dataLength)
		return
	}
	buf := make([]byte, 12)
	order := binary.BigEndian
	buf[3] = 8 // capacity list length
	order.PutUint32(buf[4:8], blocks)
	buf[8] = 0x02 // descriptor code: formatted media
	buf[9] = byte(e.blockSize >> 16)
	buf[10] = byte(e.blockSize >> 8)
	buf[11] = byte(e.blockSize)
	if err := e.sink.sendPayload(truncate(buf, cmd.dataLength)); err != nil {
		log.Errorf("mscbbb: READ FORMAT CAPACITIES send failed: %v", err)
	}
	e.succeed(cmd, residueFor(cmd.dataLength, len(buf)))
}

// hReportLuns returns an 8-byte header plus one 8-byte entry per LUN;
// LUN 0 is always present (§4.5).
func (e *scsiEngine) hReportLuns(cmd *command) {
	n := int(e.cfg.MaxLUN) + 1
	buf := make([]byte, 8+8*n)
	order := binary.BigEndian
	order.PutUint32(buf[0:4], uint32(8*n))
	for i := 0; i < n; i++ {
		buf[8+8*i] = byte(i)
	}
	if err := e.sink.sendPayload(truncate(buf, cmd.dataLength)); err != nil {
		log.Errorf("mscbbb: REPORT LUNS send failed: %v", err)
	}
	e.succeed(cmd, residueFor(cmd.dataLength, len(buf)))
}

// hModeSense returns a minimal mode parameter header: no pages unless
// page code 0x3f (all pages) is requested, in which case the response is
// still header-only since this core supports no mode pages (write
// caching is an explicit §1 Non-goal, unlike go-tcmu/cmd_handler.go's
// CachingModePage, which this port does not carry forward). The
// device-specific-parameter byte carries the WP bit from
// the backend (§4.5); medium type is left zero (unknown).
func (e *scsiEngine) hModeSense(cmd *command) {
	wp, err := e.backend.WriteProtected()
	if err != nil {
		e.fail(cmd, senseFromASC(scsi.SenseMediumError, scsi.AscReadError), cmd.dataLength)
		return
	}
	var dsp byte
	if wp {
		dsp = 0x80
	}

	var hdr []byte
	if cmd.opcode == scsi.ModeSense {
		hdr = make([]byte, 4)
		hdr[0] = 3   // mode data length
		hdr[1] = 0   // medium type
		hdr[2] = dsp // device-specific parameter: bit 7 is WP
		hdr[3] = 0   // block descriptor length
	} else {
		hdr = make([]byte, 8)
		binary.BigEndian.PutUint16(hdr[0:2], 6)
		hdr[2] = 0   // medium type
		hdr[3] = dsp // device-specific parameter: bit 7 is WP
	}
	if err := e.sink.sendPayload(truncate(hdr, cmd.dataLength)); err != nil {
		log.Errorf("mscbbb: MODE SENSE send failed: %v", err)
	}
	e.succeed(cmd, residueFor(cmd.dataLength, len(hdr)))
}

// hModeSelect accepts and ignores any mode select parameter list,
// returning CSW success without parsing it. Preserved intentionally from
// go-tcmu/cmd_handler.go's EmulateModeSelect behaviour per spec.md §9's
// explicit call-out that this is a deliberate extension point, not an
// oversight.
func (e *scsiEngine) hModeSelect(cmd *command) {
	if cmd.dataLength > 0 {
		if _, err := e.sink.recvPayload(e.buffer[:min(int(cmd.dataLength), len(e.buffer))]); err != nil {
			log.Errorf("mscbbb: MODE SELECT recv failed: %v", err)
		}
	}
	e.succeed(cmd, 0)
}

// hPreventAllowMediumRemoval is a no-op success unless reserved bits are
// set in the CDB, in which case it fails with ILLEGAL_REQUEST/
// INVALID_FIELD (§4.5). Non-removable-lockable media has nothing to lock.
func (e *scsiEngine) hPreventAllowMediumRemoval(cmd *command) {
	if cmd.cdb[1]&0xfe != 0 {
		e.fail(cmd, senseFromASC(scsi.SenseIllegalRequest, scsi.AscInvalidFieldInCdb), 0)
		return
	}
	e.succeed(cmd, 0)
}

// hSendDiagnostic succeeds only for the trivial self-test-disabled,
// empty-parameter-list case; anything else is unsupported (§4.5).
func (e *scsiEngine) hSendDiagnostic(cmd *command) {
	selfTest := cmd.cdb[1]&0x04 != 0
	paramListLength := binary.BigEndian.Uint16(cmd.cdb[3:5])
	if !selfTest && paramListLength == 0 {
		e.succeed(cmd, 0)
		return
	}
	e.fail(cmd, senseFromASC(scsi.SenseIllegalRequest, scsi.AscInvalidFieldInCdb), 0)
}

func residueFor(anticipated uint32, actual int) uint32 {
	if uint32(actual) >= anticipated {
		return 0
	}
	return anticipated - uint32(actual)
}

func truncate(buf []byte, length uint32) []byte {
	if uint32(len(buf)) > length {
		return buf[:length]
	}
	return buf
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
