package mscbbb

import (
	"encoding/binary"
	"testing"
)

func validCBWBytes(flags, lun, cdbLength byte, dataLen uint32) []byte {
	buf := make([]byte, 31)
	binary.LittleEndian.PutUint32(buf[0:4], 0x43425355)
	binary.LittleEndian.PutUint32(buf[4:8], 0xdeadbeef)
	binary.LittleEndian.PutUint32(buf[8:12], dataLen)
	buf[12] = flags
	buf[13] = lun
	buf[14] = cdbLength
	return buf
}

func TestUnpackCBW(t *testing.T) {
	var tests = []struct {
		desc   string
		buf    []byte
		maxLUN byte
		ok     bool
	}{
		{
			desc:   "valid read cbw",
			buf:    validCBWBytes(0x80, 0, 10, 512),
			maxLUN: 0,
			ok:     true,
		},
		{
			desc:   "wrong length",
			buf:    make([]byte, 30),
			maxLUN: 0,
			ok:     false,
		},
		{
			desc:   "bad signature",
			buf:    func() []byte { b := validCBWBytes(0x80, 0, 10, 512); b[0] = 0; return b }(),
			maxLUN: 0,
			ok:     false,
		},
		{
			desc:   "reserved flag bits set",
			buf:    validCBWBytes(0x81, 0, 10, 512),
			maxLUN: 0,
			ok:     false,
		},
		{
			desc:   "lun out of range",
			buf:    validCBWBytes(0x80, 1, 10, 512),
			maxLUN: 0,
			ok:     false,
		},
		{
			desc:   "lun reserved bits set",
			buf:    validCBWBytes(0x80, 0xf0, 10, 512),
			maxLUN: 0,
			ok:     false,
		},
		{
			desc:   "cdb length zero",
			buf:    validCBWBytes(0x80, 0, 0, 512),
			maxLUN: 0,
			ok:     false,
		},
		{
			desc:   "cdb length too large",
			buf:    validCBWBytes(0x80, 0, 17, 512),
			maxLUN: 0,
			ok:     false,
		},
	}

	for i, tt := range tests {
		c, err := unpackCBW(tt.buf, tt.maxLUN)
		if tt.ok && err != nil {
			t.Errorf("[%02d] %q: unexpected error: %v", i, tt.desc, err)
			continue
		}
		if !tt.ok && err == nil {
			t.Errorf("[%02d] %q: expected error, got none", i, tt.desc)
			continue
		}
		if tt.ok && c.tag != 0xdeadbeef {
			t.Errorf("[%02d] %q: tag not preserved: got %#x", i, tt.desc, c.tag)
		}
	}
}

func TestCBWDirection(t *testing.T) {
	c, err := unpackCBW(validCBWBytes(0x80, 0, 10, 512), 0)
	if err != nil {
		t.Fatalf("unpackCBW: %v", err)
	}
	if c.direction() != DirIn {
		t.Errorf("flags=0x80 should decode as DirIn, got %v", c.direction())
	}

	c, err = unpackCBW(validCBWBytes(0x00, 0, 10, 512), 0)
	if err != nil {
		t.Fatalf("unpackCBW: %v", err)
	}
	if c.direction() != DirOut {
		t.Errorf("flags=0x00 should decode as DirOut, got %v", c.direction())
	}
}

func TestCSWPack(t *testing.T) {
	c := csw{tag: 0x11223344, residue: 5, status: 1}
	buf := c.pack()
	if len(buf) != 13 {
		t.Fatalf("CSW pack length = %d, want 13", len(buf))
	}
	if got := binary.LittleEndian.Uint32(buf[0:4]); got != 0x53425355 {
		t.Errorf("CSW signature = %#x, want 0x53425355", got)
	}
	if got := binary.LittleEndian.Uint32(buf[4:8]); got != 0x11223344 {
		t.Errorf("CSW tag = %#x, want 0x11223344, round-tripped from the CBW tag", got)
	}
	if got := binary.LittleEndian.Uint32(buf[8:12]); got != 5 {
		t.Errorf("CSW residue = %d, want 5", got)
	}
	if buf[12] != 1 {
		t.Errorf("CSW status = %d, want 1", buf[12])
	}
}

func TestCdbLen(t *testing.T) {
	var tests = []struct {
		opcode byte
		want   int
	}{
		{0x00, 6},  // TEST UNIT READY
		{0x12, 6},  // INQUIRY
		{0x28, 10}, // READ(10)
		{0xa8, 12}, // READ(12)
		{0x88, 16}, // READ(16)
	}
	for i, tt := range tests {
		if got := cdbLen(tt.opcode); got != tt.want {
			t.Errorf("[%02d] cdbLen(%#x) = %d, want %d", i, tt.opcode, got, tt.want)
		}
	}
}

func TestCdbLBAAndBlocks(t *testing.T) {
	cdb10 := make([]byte, 16)
	cdb10[0] = 0x28
	binary.BigEndian.PutUint32(cdb10[2:6], 1000)
	binary.BigEndian.PutUint16(cdb10[7:9], 8)

	if got := cdbLBA(cdb10[:10]); got != 1000 {
		t.Errorf("cdbLBA(10-byte) = %d, want 1000", got)
	}
	if got := cdbTransferBlocks(cdb10[:10]); got != 8 {
		t.Errorf("cdbTransferBlocks(10-byte) = %d, want 8", got)
	}

	cdb6 := make([]byte, 6)
	cdb6[0] = 0x08
	cdb6[1] = 0x01 // top bits of a 21-bit LBA
	cdb6[2] = 0x00
	cdb6[3] = 0x02
	cdb6[4] = 0 // 0 means 256 blocks

	if got := cdbLBA(cdb6); got != (1<<16)|2 {
		t.Errorf("cdbLBA(6-byte) = %d, want %d", got, (1<<16)|2)
	}
	if got := cdbTransferBlocks(cdb6); got != 256 {
		t.Errorf("cdbTransferBlocks(6-byte) with count byte 0 = %d, want 256", got)
	}
}
