// Package shmem implements the shared-memory message area an SCMI agent
// and the platform firmware exchange messages through. The area has a
// fixed little-endian layout: a channel status word, transfer flags, a
// length word, the 32-bit message header, and the payload.
package shmem

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/c35s/scmi"
	"golang.org/x/sys/unix"
)

// area offsets

const (
	offReserved   = 0x00 // zeroed by the writer
	offChanStatus = 0x04 // channel status bits (see below)
	offImplDef    = 0x08 // implementation defined, not touched
	offFlags      = 0x10 // transfer flags (see below)
	offLength     = 0x18 // header-plus-payload length in bytes
	offMsgHeader  = 0x1c // 32-bit SCMI message header
	offPayload    = 0x20 // payload, up to the region's capacity
)

// channel status bits

const (
	ChanStatFree  = 1 << 0 // the firmware has released the channel
	ChanStatError = 1 << 1 // the firmware reports a channel error
)

// transfer flags

const (
	// FlagIntrEnabled asks the firmware to signal completion with an
	// interrupt. Synchronous transports leave it clear.
	FlagIntrEnabled = 1 << 0
)

// MinSize is the smallest usable region: the fixed header with no payload.
const MinSize = offPayload

var le = binary.LittleEndian

// Region is a view over one shared-memory message area. The region is
// private to its channel; concurrent transfers on one region are not
// supported.
type Region struct {
	mem []byte

	// status aliases the channel status word so that it can be accessed
	// atomically. The firmware's release of the channel is observed
	// through it (acquire); CompleteTx publishes through it (release).
	status *uint32

	munmap func() error
}

// New returns a region over caller-provided memory. The memory must hold
// at least the fixed header and the status word must be 32-bit aligned.
func New(mem []byte) (*Region, error) {
	if len(mem) < MinSize {
		return nil, fmt.Errorf("shmem: region is too small: %d < %d", len(mem), MinSize)
	}

	if uintptr(unsafe.Pointer(&mem[offChanStatus]))%4 != 0 {
		return nil, fmt.Errorf("shmem: region is misaligned: %w", unix.EINVAL)
	}

	return &Region{
		mem:    mem,
		status: (*uint32)(unsafe.Pointer(&mem[offChanStatus])),
	}, nil
}

// Close releases the mapping, if any. The region must not be used after
// Close returns.
func (r *Region) Close() error {
	r.mem = nil
	r.status = nil

	if r.munmap != nil {
		return r.munmap()
	}

	return nil
}

// Closed reports whether the region has been released.
func (r *Region) Closed() bool {
	return r.mem == nil
}

// Capacity returns the payload capacity in bytes.
func (r *Region) Capacity() int {
	return len(r.mem) - offPayload
}

// TxPrepare serializes x into the region: it claims the channel by
// clearing the status bits, clears the transfer flags, and writes the
// length, header, and payload. The caller must make the writes visible to
// the firmware before ringing it; the conduit call doubles as the release
// barrier.
func (r *Region) TxPrepare(x *scmi.Xfer) {
	le.PutUint32(r.mem[offReserved:], 0)
	atomic.StoreUint32(r.status, 0)
	le.PutUint64(r.mem[offFlags:], 0)
	le.PutUint32(r.mem[offLength:], uint32(4+len(x.TX)))
	le.PutUint32(r.mem[offMsgHeader:], x.Hdr.Pack())
	copy(r.mem[offPayload:], x.TX)
}

// ReadHeader returns the 32-bit message header currently in the region.
func (r *Region) ReadHeader() uint32 {
	return le.Uint32(r.mem[offMsgHeader:])
}

// FetchResponse copies the response payload into x.RX, clamped to the
// buffer's length, and records the observed payload length in x.RXLen.
func (r *Region) FetchResponse(x *scmi.Xfer) {
	var n int
	if l := le.Uint32(r.mem[offLength:]); l > 4 {
		n = int(l - 4)
	}

	x.RXLen = n
	if n > len(x.RX) {
		n = len(x.RX)
	}

	copy(x.RX[:n], r.mem[offPayload:])
}

// PollDone reports whether the firmware has released the channel.
func (r *Region) PollDone(x *scmi.Xfer) bool {
	return atomic.LoadUint32(r.status)&ChanStatFree != 0
}

// TxError reports whether the firmware flagged a channel error.
func (r *Region) TxError() bool {
	return atomic.LoadUint32(r.status)&ChanStatError != 0
}

// ReadMessage returns a copy of the message currently in the region. It
// is the firmware side of TxPrepare.
func (r *Region) ReadMessage() (hdr uint32, payload []byte) {
	var n int
	if l := le.Uint32(r.mem[offLength:]); l > 4 {
		n = int(l - 4)
	}

	if n > r.Capacity() {
		n = r.Capacity()
	}

	payload = make([]byte, n)
	copy(payload, r.mem[offPayload:])

	return r.ReadHeader(), payload
}

// CompleteTx writes a response in place and releases the channel: length,
// header, and payload first, then the status word (release). It is the
// firmware side of FetchResponse and PollDone.
func (r *Region) CompleteTx(hdr uint32, payload []byte, chanErr bool) {
	if len(payload) > r.Capacity() {
		payload = payload[:r.Capacity()]
	}

	le.PutUint32(r.mem[offLength:], uint32(4+len(payload)))
	le.PutUint32(r.mem[offMsgHeader:], hdr)
	copy(r.mem[offPayload:], payload)

	status := uint32(ChanStatFree)
	if chanErr {
		status |= ChanStatError
	}

	atomic.StoreUint32(r.status, status)
}
