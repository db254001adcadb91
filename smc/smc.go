// Package smc implements the SCMI smc/hvc transport. A channel pairs one
// shared-memory message area with a call function id; sending a message
// serializes it into the area, issues the privileged call, and finds the
// response already in place when the call returns. No interrupt or
// completion wait is involved.
package smc

import (
	"errors"
	"fmt"
	"time"

	"github.com/c35s/scmi"
	"github.com/c35s/scmi/platform"
	"github.com/c35s/scmi/shmem"
	"golang.org/x/sys/unix"
)

// Config describes a transport.
type Config struct {

	// Tree is the platform configuration. It must hold the
	// power-coordination node at /psci.
	Tree *platform.Tree

	// Call performs the privileged call.
	Call Caller

	// Map maps a shared-memory resource. If Map is nil, the resource is
	// mapped through /dev/mem.
	Map func(res platform.Resource) (*shmem.Region, error)
}

// Transport is the smc/hvc transport. It implements scmi.Transport.
type Transport struct {
	cfg Config
}

// CallStatus is a negative status word returned by the conduit call,
// propagated verbatim.
type CallStatus int64

func (s CallStatus) Error() string {
	return fmt.Sprintf("smc: call failed: status %d", int64(s))
}

var (
	ErrConfig = errors.New("smc: invalid config")
	ErrShmem  = errors.New("smc: no shared memory for channel")
	ErrPsci   = errors.New("smc: no power-coordination node")
)

// channel is the transport's per-channel state. All fields are fixed
// between setup and teardown.
type channel struct {
	cinfo  *scmi.ChanInfo
	shm    *shmem.Region
	funcID uint32
	protID uint8
}

// New returns a new transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Tree == nil {
		return nil, fmt.Errorf("%w: no platform tree", ErrConfig)
	}

	if cfg.Call == nil {
		return nil, fmt.Errorf("%w: no caller", ErrConfig)
	}

	if cfg.Map == nil {
		cfg.Map = mapDefault
	}

	return &Transport{cfg: cfg}, nil
}

// Desc describes the transport to the protocol core. The conduit call is
// synchronous, so only one message is ever outstanding per channel.
func (t *Transport) Desc() scmi.Desc {
	return scmi.Desc{
		Ops:          t,
		MaxRxTimeout: 30 * time.Millisecond,
		MaxMsg:       1,
		MaxMsgSize:   128,
	}
}

// ChanAvailable reports true for every channel: whether a channel can
// actually be driven is decided at setup time.
func (t *Transport) ChanAvailable(dev *platform.Device, idx int) bool {
	return true
}

// ChanSetup binds cinfo to a transmit channel. The shared-memory phandle
// is taken from the channel's own node, falling back to the transport
// device's node. Receive channels are not supported.
func (t *Transport) ChanSetup(cinfo *scmi.ChanInfo, dev *platform.Device, protocolID uint8, tx bool) error {
	if !tx {
		return unix.ENODEV
	}

	var np *platform.Node
	if cinfo.Dev != nil {
		np = t.cfg.Tree.Phandle(cinfo.Dev.Node, "shmem")
	}

	if np == nil {
		np = t.cfg.Tree.Phandle(dev.Node, "shmem")
	}

	if np == nil {
		return ErrShmem
	}

	res, err := np.Resource()
	if err != nil {
		return fmt.Errorf("shared memory for %s: %w", dev.Name, err)
	}

	shm, err := t.cfg.Map(res)
	if err != nil {
		return fmt.Errorf("%w: map shared memory for %s: %w", unix.EADDRNOTAVAIL, dev.Name, err)
	}

	funcID, err := dev.Node.U32("smc-id")
	if err != nil {
		shm.Close()
		return err
	}

	psci := t.cfg.Tree.FindByPath("/psci")
	if psci == nil {
		shm.Close()
		return fmt.Errorf("%w: %w", ErrPsci, unix.ENODEV)
	}

	if err := resolveConduit(psci, t.cfg.Call); err != nil {
		shm.Close()
		return err
	}

	cinfo.TransportInfo = &channel{
		cinfo:  cinfo,
		shm:    shm,
		funcID: funcID,
		protID: protocolID,
	}

	return nil
}

// ChanFree detaches the transport from cinfo, releases the shared-memory
// mapping, and hands id and opaque back through the channel's Release
// hook. The back-reference is cleared so a late callback cannot reach a
// stale descriptor.
func (t *Transport) ChanFree(id int, cinfo *scmi.ChanInfo, opaque any) error {
	if ch, ok := cinfo.TransportInfo.(*channel); ok {
		cinfo.TransportInfo = nil
		ch.cinfo = nil
		ch.shm.Close()
	}

	if cinfo.Release != nil {
		cinfo.Release(id, opaque)
	}

	return nil
}

// SendMessage serializes x into the channel's shared memory, issues the
// conduit call, and delivers the response header to the protocol core.
// The firmware writes a response header even for protocol-level errors
// and the core dispatches responses by token, so the header is delivered
// whether or not the call reported an error. A strictly positive status
// word means success; negative status words are returned verbatim.
func (t *Transport) SendMessage(cinfo *scmi.ChanInfo, x *scmi.Xfer) error {
	ch := cinfo.TransportInfo.(*channel)

	ch.shm.TxPrepare(x)

	// the call is the release barrier for TxPrepare's writes and the
	// acquire barrier for the reads below
	ret := int64(invoke(ch.funcID, [7]uint64{uint64(ch.protID)}))

	cinfo.RxCallback(ch.shm.ReadHeader())

	if ret < 0 {
		return CallStatus(ret)
	}

	return nil
}

// MarkTxDone is a no-op: the transmit completed inside SendMessage.
func (t *Transport) MarkTxDone(cinfo *scmi.ChanInfo, err error) {
}

// FetchResponse copies the response payload out of the channel's shared
// memory into x.
func (t *Transport) FetchResponse(cinfo *scmi.ChanInfo, x *scmi.Xfer) {
	ch := cinfo.TransportInfo.(*channel)
	ch.shm.FetchResponse(x)
}

// PollDone reports whether the firmware has released the channel. After a
// send it is normally already true; it exists so the core's polling loop
// works uniformly across transports.
func (t *Transport) PollDone(cinfo *scmi.ChanInfo, x *scmi.Xfer) bool {
	ch := cinfo.TransportInfo.(*channel)
	return ch.shm.PollDone(x)
}
