package mscbbb

import (
	"context"

	"github.com/prometheus/common/log"

	"github.com/coreos/go-mscbbb/scsi"
)

// hRead streams blocks from the backend to the host over the bulk IN
// endpoint, chunked by min(buffer_len, remaining), with a fractional
// tail served by a smaller final chunk. Grounded on
// original_source/scsi.c's mockup_scsi_read10_data (explicit fractional
// residue handling) and go-tcmu/cmd_handler.go's EmulateRead
// (read-into-scratch-buffer-then-push idiom).
func (e *scsiEngine) hRead(ctx context.Context, cmd *command) {
	e.pumpTransfer(ctx, cmd, true)
}

// hWrite streams blocks from the host to the backend over the bulk OUT
// endpoint, mirroring hRead. Grounded on original_source/scsi.c's
// mockup_scsi_write10_data and go-tcmu/cmd_handler.go's EmulateWrite.
func (e *scsiEngine) hWrite(ctx context.Context, cmd *command) {
	e.pumpTransfer(ctx, cmd, false)
}

// pumpTransfer validates the command's LBA range against backend
// capacity up front (§4.6, §7: "buffer overrun (address beyond
// capacity) -> record LBA_OUT_OF_RANGE -> CSW failed"), then streams the
// transfer. Grounded on
// _examples/ardnew-softusb/device/class/msc/commands.go's handleRead10/
// handleWrite10, which check uint64(lba)+uint64(transferBlocks) against
// the backend's block count before touching any data.
func (e *scsiEngine) pumpTransfer(ctx context.Context, cmd *command, read bool) {
	capacity, err := e.backend.Capacity()
	if err != nil {
		e.fail(cmd, senseFromASC(scsi.SenseMediumError, scsi.AscReadError), cmd.dataLength)
		return
	}
	if uint64(cmd.lba)+uint64(cmd.blocks) > uint64(capacity) {
		log.Errorf("mscbbb: LBA range [%d,+%d) exceeds capacity %d blocks", cmd.lba, cmd.blocks, capacity)
		e.fail(cmd, senseFromASC(scsi.SenseIllegalRequest, scsi.AscLogicalBlockAddressOutOfRange), cmd.dataLength)
		return
	}

	totalBytes := uint64(cmd.blocks) * uint64(e.blockSize)
	lba := cmd.lba
	var transferred uint32

	for uint64(transferred) < totalBytes {
		remaining := totalBytes - uint64(transferred)
		chunkBytes := len(e.buffer)
		if uint64(chunkBytes) > remaining {
			chunkBytes = int(remaining)
		}
		chunkBlocks := uint32(chunkBytes) / e.blockSize
		if chunkBlocks == 0 {
			chunkBlocks = 1
		}
		actualChunkBytes := int(chunkBlocks) * int(e.blockSize)
		if actualChunkBytes > chunkBytes {
			actualChunkBytes = chunkBytes
		}
		buf := e.buffer[:actualChunkBytes]

		if read {
			if err := e.backend.ReadAt(ctx, lba, chunkBlocks, buf); err != nil {
				log.Errorf("mscbbb: backend read failed at lba=%d: %v", lba, err)
				e.fail(cmd, senseFromASC(scsi.SenseMediumError, scsi.AscReadError), cmd.dataLength-transferred)
				return
			}
			if err := e.sink.sendPayload(buf); err != nil {
				log.Errorf("mscbbb: data-IN send failed: %v", err)
				return
			}
		} else {
			if _, err := e.sink.recvPayload(buf); err != nil {
				log.Errorf("mscbbb: data-OUT recv failed: %v", err)
				return
			}
			if err := e.backend.WriteAt(ctx, lba, chunkBlocks, buf); err != nil {
				log.Errorf("mscbbb: backend write failed at lba=%d: %v", lba, err)
				e.fail(cmd, senseFromASC(scsi.SenseMediumError, scsi.AscWriteError), cmd.dataLength-transferred)
				return
			}
		}

		lba += chunkBlocks
		transferred += uint32(actualChunkBytes)
	}

	e.succeed(cmd, residueFor(cmd.dataLength, int(transferred)))
}
