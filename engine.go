package mscbbb

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/coreos/go-mscbbb/scsi"
)

// Engine is the target-side core of a USB Mass Storage Class device: a
// SCSI command processor coupled to the Bulk-Only Transport state
// machine. Callers construct one with NewEngine, attach a Controller once
// the device is enumerated, and drive it by calling Step in a loop and
// ClassRequest whenever the USB control-plane stack forwards a
// class-specific setup packet (§6).
type Engine struct {
	cfg  Config
	scsi *scsiEngine
	bbb  *bbbEngine
}

// NewEngine constructs the SCSI and BBB halves of the core and wires them
// together through the bbbSink interface (§9). The backend's block size
// is queried once here and cached for the engine's lifetime; this core
// does not support a backend whose geometry changes after construction
// (§1 Non-goals).
func NewEngine(cfg Config, backend Backend) (*Engine, error) {
	logrus.Infof("mscbbb: initializing engine (product=%q maxlun=%d)", cfg.Product, cfg.MaxLUN)

	bbb := newBBBEngine(nil, cfg.MaxLUN)
	scsi, err := newSCSIEngine(cfg, backend, bbb)
	if err != nil {
		return nil, err
	}
	bbb.attach(scsi)

	return &Engine{
		cfg:  cfg,
		scsi: scsi,
		bbb:  bbb,
	}, nil
}

// Attach binds the USB device controller the engine drives bulk transfers
// and stalls through. It must be called once, after enumeration has
// configured the bulk endpoints, and before the first call to Step.
func (e *Engine) Attach(ctrl Controller) error {
	if ctrl == nil {
		return fmt.Errorf("mscbbb: Attach called with a nil Controller")
	}
	if err := ctrl.ConfigureEndpoint(EndpointOut, DirOut, 0); err != nil {
		return fmt.Errorf("mscbbb: configuring bulk OUT endpoint: %w", err)
	}
	if err := ctrl.ConfigureEndpoint(EndpointIn, DirIn, 0); err != nil {
		return fmt.Errorf("mscbbb: configuring bulk IN endpoint: %w", err)
	}
	e.bbb.ctrl = ctrl
	logrus.Info("mscbbb: controller attached")
	return nil
}

// Reset forces the reset-recovery sequence immediately, without waiting
// for a host-initiated Mass Storage Reset class request. Intended for a
// caller's own bus-reset or unplug handling.
func (e *Engine) Reset() {
	logrus.Info("mscbbb: engine reset")
	e.bbb.recover()
}

// Step runs one iteration of the engine's main loop (§2, §5, §6): it
// observes a pending reset, or else attempts to receive and fully
// process the next Command Block Wrapper. A single call to Step carries
// one CBW through its entire data and status phase, since Controller's
// Send/Recv are synchronous — there is no separate "suspend until the
// next completion callback" step to take in this port (see SPEC_FULL.md
// §5 and §6).
func (e *Engine) Step() error {
	if e.bbb.ctrl == nil {
		return fmt.Errorf("mscbbb: Step called before Attach")
	}
	return e.bbb.step(context.Background())
}

// ClassRequest answers the two MSC class-specific control requests:
// GetMaxLUN (0xFE), which returns the single-byte maximum LUN index, and
// Mass Storage Reset (0xFF), which schedules the reset-recovery sequence
// for the next Step call (§4.3, §6).
func (e *Engine) ClassRequest(req ClassRequest) ([]byte, error) {
	switch req.Request {
	case scsi.ReqGetMaxLUN:
		return []byte{e.cfg.MaxLUN}, nil
	case scsi.ReqMassStorageReset:
		logrus.Info("mscbbb: Mass Storage Reset requested")
		e.bbb.requestReset()
		return nil, nil
	default:
		return nil, fmt.Errorf("mscbbb: unsupported class request %#x", req.Request)
	}
}

// ClearFeatureHalt clears a stalled bulk endpoint's halt condition. The
// USB control-plane stack calls this when it processes a host Clear
// Feature(ENDPOINT_HALT) request; it does not by itself re-arm the
// engine out of Stall-recovery — only an observed Mass Storage Reset
// does that (§4.3).
func (e *Engine) ClearFeatureHalt(id EndpointID) error {
	return e.bbb.ctrl.ClearStall(id)
}
