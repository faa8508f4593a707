package mscbbb

import (
	"encoding/binary"
	"fmt"

	"github.com/coreos/go-mscbbb/scsi"
)

// cbw is the 31-byte Command Block Wrapper, unpacked from the wire.
// Signature, tag and data-transfer length are little-endian; everything
// inside the CDB is big-endian per SCSI convention (see cdbLBA/cdbTransferBlocks
// below).
type cbw struct {
	signature          uint32
	tag                uint32
	dataTransferLength uint32
	flags              byte
	lun                byte
	cdbLength          byte
	cdb                [16]byte
}

// unpackCBW validates and decodes a 31-byte buffer received on the bulk
// OUT endpoint. It returns an error for any violation §4.3 requires to be
// treated as an invalid CBW: wrong size, bad signature, nonzero reserved
// bits, LUN out of range, or CDB length out of [1,16].
func unpackCBW(buf []byte, maxLUN byte) (cbw, error) {
	var c cbw
	if len(buf) != scsi.CbwLength {
		return c, fmt.Errorf("mscbbb: CBW has %d bytes, want %d", len(buf), scsi.CbwLength)
	}
	order := binary.LittleEndian
	c.signature = order.Uint32(buf[0:4])
	if c.signature != scsi.CbwSignature {
		return c, fmt.Errorf("mscbbb: bad CBW signature %#x", c.signature)
	}
	c.tag = order.Uint32(buf[4:8])
	c.dataTransferLength = order.Uint32(buf[8:12])
	c.flags = buf[12]
	if c.flags&0x7f != 0 {
		return c, fmt.Errorf("mscbbb: CBW flags reserved bits set: %#x", c.flags)
	}
	lunByte := buf[13]
	if lunByte&0xf0 != 0 {
		return c, fmt.Errorf("mscbbb: CBW LUN reserved bits set: %#x", lunByte)
	}
	c.lun = lunByte & 0x0f
	if c.lun > maxLUN {
		return c, fmt.Errorf("mscbbb: CBW LUN %d exceeds max LUN %d", c.lun, maxLUN)
	}
	cdbLenByte := buf[14]
	if cdbLenByte&0xe0 != 0 {
		return c, fmt.Errorf("mscbbb: CBW CDB length reserved bits set: %#x", cdbLenByte)
	}
	c.cdbLength = cdbLenByte & 0x1f
	if c.cdbLength < 1 || c.cdbLength > 16 {
		return c, fmt.Errorf("mscbbb: CBW CDB length %d out of range [1,16]", c.cdbLength)
	}
	copy(c.cdb[:], buf[15:31])
	return c, nil
}

// direction reports the CBW's data-phase direction: bit 7 of flags, 0=OUT
// 1=IN.
func (c cbw) direction() Direction {
	if c.flags&0x80 != 0 {
		return DirIn
	}
	return DirOut
}

// csw is the 13-byte Command Status Wrapper returned to the host.
type csw struct {
	tag     uint32
	residue uint32
	status  byte
}

func (c csw) pack() []byte {
	buf := make([]byte, scsi.CswLength)
	order := binary.LittleEndian
	order.PutUint32(buf[0:4], scsi.CswSignature)
	order.PutUint32(buf[4:8], c.tag)
	order.PutUint32(buf[8:12], c.residue)
	buf[12] = c.status
	return buf
}

// cdbLen returns the length, in bytes, of a CDB given its opcode, per
// SPC-4 4.2.5.1. Grounded on go-tcmu/scsi_handler.go's SCSICmd.CdbLen and
// struct_access.go's cdbLen (the teacher duplicates this switch in both
// places; this port keeps one copy).
func cdbLen(opcode byte) int {
	switch {
	case opcode <= 0x1f:
		return 6
	case opcode <= 0x5f:
		return 10
	case opcode >= 0x80 && opcode <= 0x9f:
		return 16
	case opcode >= 0xa0 && opcode <= 0xbf:
		return 12
	default:
		return 10
	}
}

// cdbLBA extracts the logical block address from a CDB, grounded on
// go-tcmu/scsi_handler.go's SCSICmd.LBA. The 6-byte form packs a 21-bit
// LBA across cdb[1:4]: the low 5 bits of cdb[1] followed by cdb[2:4], all
// of which are read here. The top 3 bits of cdb[1] are a LUN field
// obsoleted by BBB's own LUN-in-CBW addressing and are masked off.
func cdbLBA(cdb []byte) uint32 {
	order := binary.BigEndian
	switch cdbLen(cdb[0]) {
	case 6:
		return uint32(cdb[1]&0x1f)<<16 | uint32(cdb[2])<<8 | uint32(cdb[3])
	case 10, 12:
		return order.Uint32(cdb[2:6])
	case 16:
		return uint32(order.Uint64(cdb[2:10]))
	default:
		return order.Uint32(cdb[2:6])
	}
}

// cdbTransferBlocks extracts the transfer length, in blocks, from a CDB.
// For the 6-byte form a count of 0 means 256 blocks (§4.6); for the
// 10-byte form a count of 0 means a zero-length transfer.
func cdbTransferBlocks(cdb []byte) uint32 {
	order := binary.BigEndian
	switch cdbLen(cdb[0]) {
	case 6:
		n := cdb[4]
		if n == 0 {
			return 256
		}
		return uint32(n)
	case 10:
		return uint32(order.Uint16(cdb[7:9]))
	case 12:
		return order.Uint32(cdb[6:10])
	case 16:
		return order.Uint32(cdb[10:14])
	default:
		return uint32(order.Uint16(cdb[7:9]))
	}
}

// command is a parsed CBW+CDB pair sitting in the queue between the BBB
// producer and the SCSI consumer. It is the tagged-variant replacement
// for the source's opaque u_cdb_payload union (§9): opcode is the tag,
// and lba/blocks/byteLength are populated only for transfer commands.
type command struct {
	tag        uint32
	lun        byte
	opcode     byte
	cdb        [16]byte
	cdbLength  byte
	dataLength uint32
	dir        Direction

	lba        uint32
	blocks     uint32
	byteLength uint32
}

func newCommand(c cbw) command {
	cmd := command{
		tag:        c.tag,
		lun:        c.lun,
		opcode:     c.cdb[0],
		cdb:        c.cdb,
		cdbLength:  c.cdbLength,
		dataLength: c.dataTransferLength,
		dir:        c.direction(),
	}
	switch cmd.opcode {
	case scsi.Read6, scsi.Write6, scsi.Read10, scsi.Write10, scsi.Read12, scsi.Write12, scsi.Read16, scsi.Write16:
		cdbSlice := cmd.cdb[:cmd.cdbLength]
		cmd.lba = cdbLBA(cdbSlice)
		cmd.blocks = cdbTransferBlocks(cdbSlice)
	}
	return cmd
}

func (c *command) cdbBytes() []byte {
	return c.cdb[:c.cdbLength]
}
