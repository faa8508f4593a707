// Command mscbbbd is a reference adapter wiring mscbbb.Engine to a
// file-backed block device and a pair of FIFOs standing in for the bulk
// endpoints a real USB device controller driver would expose. It exists
// to show how the core plugs into a host process; it is illustrative, not
// part of the core itself (SPEC_FULL.md §9).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/coreos/go-mscbbb"
)

const blockSize = 512

func main() {
	logrus.SetLevel(logrus.DebugLevel)
	if len(os.Args) != 4 {
		die("usage: mscbbbd <image-file> <out-fifo> <in-fifo>")
	}
	imagePath, outFifo, inFifo := os.Args[1], os.Args[2], os.Args[3]

	backend, err := openFileBackend(imagePath)
	if err != nil {
		die("opening backend image: %v", err)
	}
	defer backend.Close()

	blocks, _ := backend.Capacity()
	cfg := mscbbb.Config{
		Manufacturer: "go-mscbbb",
		Product:      "fileBackend",
		Revision:     "0001",
		MaxLUN:       0,
		BufferSize:   64 * 1024,
	}

	engine, err := mscbbb.NewEngine(cfg, backend)
	if err != nil {
		die("constructing engine: %v", err)
	}

	ctrl, err := openFifoController(outFifo, inFifo)
	if err != nil {
		die("opening endpoint FIFOs: %v", err)
	}
	defer ctrl.Close()

	if err := engine.Attach(ctrl); err != nil {
		die("attaching controller: %v", err)
	}
	logrus.Infof("mscbbbd: attached to %s (%d blocks x %d bytes)", imagePath, blocks, blockSize)

	mainClose := make(chan bool)
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	go func() {
		for range signalChan {
			fmt.Println("\nreceived an interrupt, stopping services...")
			close(mainClose)
		}
	}()

	go func() {
		for {
			select {
			case <-mainClose:
				return
			default:
			}
			if err := engine.Step(); err != nil {
				logrus.Errorf("mscbbbd: step: %v", err)
			}
		}
	}()

	<-mainClose
}

func die(why string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, why+"\n", args...)
	os.Exit(1)
}

// fileBackend implements mscbbb.Backend over a plain file, using
// unix.Pread/unix.Pwrite in the same spirit as poll.go's unix.Read/
// unix.Write calls against the TCMU UIO fd.
type fileBackend struct {
	f        *os.File
	fd       int
	size     int64
	readOnly bool
}

// openFileBackend opens path read-write, falling back to read-only (and
// reporting WriteProtected) when the image file or its containing
// filesystem won't allow writes.
func openFileBackend(path string) (*fileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	readOnly := false
	if err != nil {
		f, err = os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return nil, err
		}
		readOnly = true
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileBackend{f: f, fd: int(f.Fd()), size: fi.Size(), readOnly: readOnly}, nil
}

func (b *fileBackend) Close() error {
	return b.f.Close()
}

func (b *fileBackend) ReadAt(ctx context.Context, lba, numSectors uint32, p []byte) error {
	off := int64(lba) * blockSize
	n, err := unix.Pread(b.fd, p, off)
	if err != nil {
		return fmt.Errorf("pread at lba %d: %w", lba, err)
	}
	if n != len(p) {
		return fmt.Errorf("short read at lba %d: %d/%d bytes", lba, n, len(p))
	}
	return nil
}

func (b *fileBackend) WriteAt(ctx context.Context, lba, numSectors uint32, p []byte) error {
	off := int64(lba) * blockSize
	n, err := unix.Pwrite(b.fd, p, off)
	if err != nil {
		return fmt.Errorf("pwrite at lba %d: %w", lba, err)
	}
	if n != len(p) {
		return fmt.Errorf("short write at lba %d: %d/%d bytes", lba, n, len(p))
	}
	return nil
}

func (b *fileBackend) Capacity() (uint32, error) {
	return uint32(b.size / blockSize), nil
}

func (b *fileBackend) BlockSize() (uint32, error) {
	return blockSize, nil
}

func (b *fileBackend) WriteProtected() (bool, error) {
	return b.readOnly, nil
}

// fifoController implements mscbbb.Controller over two named pipes,
// standing in for the bulk OUT/IN endpoints. Stall/ClearStall are logged
// rather than enforced: a FIFO has no halt condition to signal back to a
// peer, so this adapter cannot demonstrate real stall-recovery behaviour,
// only exercise the core's calls into it.
type fifoController struct {
	outFd int
	inFd  int
}

func openFifoController(outPath, inPath string) (*fifoController, error) {
	outFd, err := unix.Open(outPath, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("opening OUT fifo %s: %w", outPath, err)
	}
	inFd, err := unix.Open(inPath, unix.O_WRONLY, 0)
	if err != nil {
		unix.Close(outFd)
		return nil, fmt.Errorf("opening IN fifo %s: %w", inPath, err)
	}
	return &fifoController{outFd: outFd, inFd: inFd}, nil
}

func (c *fifoController) Close() error {
	unix.Close(c.outFd)
	unix.Close(c.inFd)
	return nil
}

func (c *fifoController) ConfigureEndpoint(id mscbbb.EndpointID, dir mscbbb.Direction, maxPacketSize int) error {
	logrus.Debugf("mscbbbd: configure endpoint %v dir=%v", id, dir)
	return nil
}

func (c *fifoController) Send(id mscbbb.EndpointID, p []byte) (int, error) {
	n, err := unix.Write(c.inFd, p)
	if err != nil {
		return n, fmt.Errorf("writing IN fifo: %w", err)
	}
	return n, nil
}

func (c *fifoController) Recv(id mscbbb.EndpointID, p []byte) (int, error) {
	n, err := unix.Read(c.outFd, p)
	if err != nil {
		return n, fmt.Errorf("reading OUT fifo: %w", err)
	}
	return n, nil
}

func (c *fifoController) Stall(id mscbbb.EndpointID) error {
	logrus.Warnf("mscbbbd: stall requested on endpoint %v (no-op: fifo adapter)", id)
	return nil
}

func (c *fifoController) ClearStall(id mscbbb.EndpointID) error {
	logrus.Debugf("mscbbbd: clear stall on endpoint %v (no-op: fifo adapter)", id)
	return nil
}
