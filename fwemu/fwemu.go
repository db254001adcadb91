// Package fwemu emulates the platform firmware side of the SCMI smc/hvc
// transport. An Agent owns the firmware end of one or more shared-memory
// message areas and completes requests synchronously, so it can stand in
// for real firmware behind the smc.Caller interface, either in process or
// served over a network conduit.
package fwemu

import (
	"encoding/binary"
	"sync"

	"github.com/c35s/scmi"
	"github.com/c35s/scmi/shmem"
)

// StatusNotSupported is the call status returned for unknown function ids,
// mirroring the standard calling convention's "unknown function" value.
const StatusNotSupported = ^uint64(0) // -1

var le = binary.LittleEndian

// Handler services requests for one protocol. It returns the protocol
// status and the rest of the response payload.
type Handler func(hdr scmi.Hdr, payload []byte) (status scmi.Status, out []byte)

// Agent is an emulated firmware agent. It implements smc.Caller: a call
// on a known function id reads the request from the bound message area,
// dispatches it by protocol id, writes the response in place, and releases
// the channel before returning.
type Agent struct {
	mu       sync.Mutex
	regions  map[uint32]*shmem.Region
	handlers map[uint8]Handler
}

// NewAgent returns an agent with no bindings.
func NewAgent() *Agent {
	return &Agent{
		regions:  make(map[uint32]*shmem.Region),
		handlers: make(map[uint8]Handler),
	}
}

// Attach binds the firmware end of a message area to a call function id.
func (a *Agent) Attach(fid uint32, r *shmem.Region) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.regions[fid] = r
}

// Handle installs the handler for a protocol id.
func (a *Agent) Handle(protocolID uint8, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[protocolID] = h
}

// SMC services a secure monitor call.
func (a *Agent) SMC(fid uint32, args [7]uint64) uint64 {
	return a.call(fid, args)
}

// HVC services a hypervisor call. The agent doesn't care which conduit
// instruction the client was configured with.
func (a *Agent) HVC(fid uint32, args [7]uint64) uint64 {
	return a.call(fid, args)
}

func (a *Agent) call(fid uint32, args [7]uint64) uint64 {
	a.mu.Lock()
	r := a.regions[fid]
	h := a.handlers[uint8(args[0])]
	a.mu.Unlock()

	if r == nil {
		return StatusNotSupported
	}

	hdr, payload := r.ReadMessage()

	var (
		status = scmi.StatusNotSupported
		out    []byte
	)

	if h != nil {
		status, out = h(scmi.UnpackHdr(hdr), payload)
	}

	// the response payload leads with the protocol status word
	resp := make([]byte, 4+len(out))
	le.PutUint32(resp, uint32(status))
	copy(resp[4:], out)

	r.CompleteTx(hdr, resp, false)
	return 0
}

// BaseHandler returns a handler for the base protocol reporting the given
// protocol version and vendor.
func BaseHandler(version uint32, vendor string) Handler {
	return func(hdr scmi.Hdr, payload []byte) (scmi.Status, []byte) {
		switch hdr.ID {
		case scmi.BaseVersion:
			out := make([]byte, 4)
			le.PutUint32(out, version)
			return scmi.StatusSuccess, out

		case scmi.BaseAttributes:
			// no agents, no protocols beyond base
			return scmi.StatusSuccess, make([]byte, 4)

		case scmi.BaseDiscoverVendor:
			out := make([]byte, 16)
			copy(out, vendor)
			return scmi.StatusSuccess, out

		default:
			return scmi.StatusNotFound, nil
		}
	}
}
