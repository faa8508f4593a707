// Package mscbbb implements the target-side core of a USB Mass Storage
// Class device: a SCSI command processor coupled to the Bulk-Only
// Transport (BBB) state machine. It accepts Command Block Wrappers from a
// host, executes the SCSI command they carry against an abstract block
// Backend, streams the data phase over an abstract Controller, and returns
// a Command Status Wrapper.
//
// The USB device controller, the USB enumeration/control-plane stack, and
// the block storage backend itself are treated as external collaborators
// reached through the Backend and Controller interfaces; this package owns
// only the SCSI state machine, the BBB framing/resynchronization state
// machine, and the data-phase engine that bridges the two.
package mscbbb
