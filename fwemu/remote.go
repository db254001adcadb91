package fwemu

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// The network conduit forwards one privileged call per 64-byte frame:
// a conduit kind, the function id, and the seven arguments, all little
// endian. The reply is the 8-byte status word. Both sides must map the
// same shared-memory backing for the call to mean anything; the frame
// only carries the ring.

const (
	frameSize = 64

	kindSMC = 0
	kindHVC = 1
)

// Serve accepts conduit connections and services their calls with a. It
// returns when ctx is canceled or the listener fails.
func Serve(ctx context.Context, l net.Listener, a *Agent) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return l.Close()
	})

	g.Go(func() error {
		for {
			conn, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}

				return err
			}

			g.Go(func() error {
				stop := context.AfterFunc(ctx, func() { conn.Close() })
				defer stop()
				defer conn.Close()

				if err := serveConn(conn, a); err != nil && ctx.Err() == nil {
					slog.Error("fwemu: conduit connection failed", "err", err)
				}

				return nil
			})
		}
	})

	return g.Wait()
}

func serveConn(conn net.Conn, a *Agent) error {
	var frame [frameSize]byte
	for {
		if _, err := io.ReadFull(conn, frame[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		var (
			kind = binary.LittleEndian.Uint32(frame[0:])
			fid  = binary.LittleEndian.Uint32(frame[4:])
			args [7]uint64
		)

		for i := range args {
			args[i] = binary.LittleEndian.Uint64(frame[8+8*i:])
		}

		var ret uint64
		switch kind {
		case kindSMC:
			ret = a.SMC(fid, args)

		case kindHVC:
			ret = a.HVC(fid, args)

		default:
			ret = StatusNotSupported
		}

		var reply [8]byte
		binary.LittleEndian.PutUint64(reply[:], ret)
		if _, err := conn.Write(reply[:]); err != nil {
			return err
		}
	}
}

// RemoteCaller forwards privileged calls to an agent served elsewhere,
// for example in a VM reachable over vsock. It implements smc.Caller.
// Calls are serialized: the transport never has more than one message
// outstanding per channel, and channels rarely share a caller.
type RemoteCaller struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewRemoteCaller returns a caller forwarding over conn.
func NewRemoteCaller(conn net.Conn) *RemoteCaller {
	return &RemoteCaller{conn: conn}
}

// SMC forwards a secure monitor call.
func (r *RemoteCaller) SMC(fid uint32, args [7]uint64) uint64 {
	return r.call(kindSMC, fid, args)
}

// HVC forwards a hypervisor call.
func (r *RemoteCaller) HVC(fid uint32, args [7]uint64) uint64 {
	return r.call(kindHVC, fid, args)
}

// Close closes the underlying connection.
func (r *RemoteCaller) Close() error {
	return r.conn.Close()
}

func (r *RemoteCaller) call(kind, fid uint32, args [7]uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var frame [frameSize]byte
	binary.LittleEndian.PutUint32(frame[0:], kind)
	binary.LittleEndian.PutUint32(frame[4:], fid)
	for i, a := range args {
		binary.LittleEndian.PutUint64(frame[8+8*i:], a)
	}

	if _, err := r.conn.Write(frame[:]); err != nil {
		slog.Error("fwemu: conduit call failed", "err", err)
		return StatusNotSupported
	}

	var reply [8]byte
	if _, err := io.ReadFull(r.conn, reply[:]); err != nil {
		slog.Error("fwemu: conduit call failed", "err", err)
		return StatusNotSupported
	}

	return binary.LittleEndian.Uint64(reply[:])
}
