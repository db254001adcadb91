package smc

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/c35s/scmi/platform"
	"golang.org/x/sys/unix"
)

// Caller performs the privileged mode-switching call that hands a request
// to the firmware. Both instructions take the function id plus seven
// register-width arguments and return the first result register. Callers
// must be safe for concurrent use: separate channels may invoke the
// conduit at the same time.
type Caller interface {

	// SMC issues a secure monitor call.
	SMC(fid uint32, args [7]uint64) uint64

	// HVC issues a hypervisor call.
	HVC(fid uint32, args [7]uint64) uint64
}

type invokeFn func(fid uint32, args [7]uint64) uint64

// conduit is the process-wide invocation function. Which instruction
// carries SCMI traffic is a property of the platform's privilege model,
// not of any one channel, so the first successful resolution fixes it for
// the life of the process.
var conduit atomic.Pointer[invokeFn]

// resolveConduit picks the invocation function from the platform's
// power-coordination node. It is idempotent: once the conduit is chosen,
// later calls return nil without looking at the node.
func resolveConduit(np *platform.Node, call Caller) error {
	if conduit.Load() != nil {
		return nil
	}

	method, err := np.Str("method")
	if err != nil {
		return fmt.Errorf("%w: read conduit method: %w", unix.ENXIO, err)
	}

	var fn invokeFn
	switch method {
	case "smc":
		fn = call.SMC

	case "hvc":
		fn = call.HVC

	default:
		slog.Warn("invalid conduit method", "method", method)
		return fmt.Errorf("%w: conduit method %q", unix.EINVAL, method)
	}

	// concurrent first-time resolutions converge on whichever lands first
	conduit.CompareAndSwap(nil, &fn)
	return nil
}

func invoke(fid uint32, args [7]uint64) uint64 {
	return (*conduit.Load())(fid, args)
}
