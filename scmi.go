// Package scmi holds the contracts shared between the SCMI protocol core
// and its transports: message headers, transfer objects, the per-channel
// descriptor, and the transport operation set.
//
// The protocol core itself (protocol handlers, transfer allocation, token
// bookkeeping) lives above this package. Transports live below it: see the
// smc package for the shared-memory smc/hvc transport.
package scmi

import (
	"fmt"
	"time"

	"github.com/c35s/scmi/platform"
)

// message header bit layout

const (
	hdrIDShift       = 0
	hdrTypeShift     = 8
	hdrProtocolShift = 10
	hdrTokenShift    = 18

	hdrIDMask       = 0xff
	hdrTypeMask     = 0x3
	hdrProtocolMask = 0xff
	hdrTokenMask    = 0x3ff
)

// message types

const (
	MsgTypeCommand      = 0
	MsgTypeDelayedResp  = 2
	MsgTypeNotification = 3
)

// Hdr is a decoded SCMI message header.
type Hdr struct {

	// ID identifies the message within its protocol.
	ID uint8

	// Type is one of the MsgType values.
	Type uint8

	// ProtocolID identifies the protocol the message belongs to.
	ProtocolID uint8

	// Token is the sequence token matching a response to its request.
	// Only the low 10 bits are carried on the wire.
	Token uint16
}

// Pack encodes the header into its 32-bit wire form.
func (h Hdr) Pack() uint32 {
	return (uint32(h.ID)&hdrIDMask)<<hdrIDShift |
		(uint32(h.Type)&hdrTypeMask)<<hdrTypeShift |
		(uint32(h.ProtocolID)&hdrProtocolMask)<<hdrProtocolShift |
		(uint32(h.Token)&hdrTokenMask)<<hdrTokenShift
}

// UnpackHdr decodes a 32-bit wire header.
func UnpackHdr(v uint32) Hdr {
	return Hdr{
		ID:         uint8(v >> hdrIDShift & hdrIDMask),
		Type:       uint8(v >> hdrTypeShift & hdrTypeMask),
		ProtocolID: uint8(v >> hdrProtocolShift & hdrProtocolMask),
		Token:      uint16(v >> hdrTokenShift & hdrTokenMask),
	}
}

// Xfer describes a single request/response exchange. The protocol core
// owns the transfer; transports only serialize TX into the channel and
// copy the response back into RX.
type Xfer struct {

	// Hdr is the message header sent with the request.
	Hdr Hdr

	// TX is the request payload.
	TX []byte

	// RX receives the response payload. Its length bounds how much of
	// the response is copied back.
	RX []byte

	// RXLen is the response payload length observed by the transport.
	// It may exceed len(RX) if the response was truncated.
	RXLen int
}

// ChanInfo is the protocol core's per-channel descriptor. The transport
// stores its private channel state in TransportInfo during setup and
// delivers response headers through RxCallback.
type ChanInfo struct {

	// Dev is the channel's own configuration device. Transports consult
	// its node for per-channel properties before falling back to the
	// transport device's node.
	Dev *platform.Device

	// RxCallback delivers a response header to the protocol core, which
	// dispatches it by token. It must not be nil while the channel is up.
	RxCallback func(hdr uint32)

	// Release is called by ChanFree after the transport has detached
	// from the channel.
	Release func(id int, opaque any)

	// TransportInfo is the transport's private channel state.
	TransportInfo any
}

// Transport is the operation set a transport exposes to the protocol core.
type Transport interface {

	// ChanAvailable reports whether the channel at idx can be set up.
	ChanAvailable(dev *platform.Device, idx int) bool

	// ChanSetup binds cinfo to a transport channel for the given protocol.
	// tx selects the transmit direction; transports that only transmit
	// reject rx setup with unix.ENODEV.
	ChanSetup(cinfo *ChanInfo, dev *platform.Device, protocolID uint8, tx bool) error

	// ChanFree detaches the transport from cinfo and invokes the
	// channel's Release hook with id and opaque.
	ChanFree(id int, cinfo *ChanInfo, opaque any) error

	// SendMessage transmits x on the channel.
	SendMessage(cinfo *ChanInfo, x *Xfer) error

	// MarkTxDone is called when the core has consumed the response.
	MarkTxDone(cinfo *ChanInfo, err error)

	// FetchResponse copies the response payload into x.RX.
	FetchResponse(cinfo *ChanInfo, x *Xfer)

	// PollDone reports whether the channel has completed x.
	PollDone(cinfo *ChanInfo, x *Xfer) bool
}

// Desc describes a transport to the protocol core.
type Desc struct {
	Ops Transport

	// MaxRxTimeout bounds how long the core waits for a response.
	MaxRxTimeout time.Duration

	// MaxMsg is the maximum number of messages outstanding on a channel.
	MaxMsg int

	// MaxMsgSize is the maximum payload size in bytes.
	MaxMsgSize int
}

// protocol ids

const (
	ProtocolBase   = 0x10
	ProtocolPower  = 0x11
	ProtocolSystem = 0x12
	ProtocolPerf   = 0x13
	ProtocolClock  = 0x14
	ProtocolSensor = 0x15
	ProtocolReset  = 0x16
)

// base protocol messages

const (
	BaseVersion         = 0x0
	BaseAttributes      = 0x1
	BaseMsgAttributes   = 0x2
	BaseDiscoverVendor  = 0x3
	BaseDiscoverImplVer = 0x5
	BaseDiscoverProtos  = 0x6
	BaseDiscoverAgent   = 0x7
)

// Status is an SCMI protocol status value, carried in the first word of a
// response payload.
type Status int32

const (
	StatusSuccess       = Status(0)
	StatusNotSupported  = Status(-1)
	StatusInvalidParams = Status(-2)
	StatusDenied        = Status(-3)
	StatusNotFound      = Status(-4)
	StatusOutOfRange    = Status(-5)
	StatusBusy          = Status(-6)
	StatusCommsError    = Status(-7)
	StatusGenericError  = Status(-8)
	StatusHardwareError = Status(-9)
	StatusProtocolError = Status(-10)
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"

	case StatusNotSupported:
		return "not supported"

	case StatusInvalidParams:
		return "invalid parameters"

	case StatusDenied:
		return "denied"

	case StatusNotFound:
		return "not found"

	case StatusOutOfRange:
		return "out of range"

	case StatusBusy:
		return "busy"

	case StatusCommsError:
		return "communication error"

	case StatusGenericError:
		return "generic error"

	case StatusHardwareError:
		return "hardware error"

	case StatusProtocolError:
		return "protocol error"

	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}
