// Command scmi-emu serves an emulated SCMI firmware agent over a network
// conduit. Clients (see scmi-ping) map the same shared-memory backing file
// and forward their privileged calls here.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"

	"github.com/c35s/scmi"
	"github.com/c35s/scmi/fwemu"
	"github.com/c35s/scmi/shmem"
	"github.com/mdlayher/vsock"
)

func main() {

	var (
		listenAddr = flag.String("listen", "tcp://127.0.0.1:7777", "serve the conduit on tcp://host:port or vsock://:port")
		shmPath    = flag.String("shm", "/dev/shm/scmi-emu", "back shared memory with this file")
		shmSize    = flag.Int("shm-size", 0x1000, "shared memory size in bytes")
		smcID      = flag.Uint("smc-id", 0xc20000fe, "call function id to answer")
		vendor     = flag.String("vendor", "c35s", "vendor reported by the base protocol")
	)

	flag.Parse()

	region, err := shmem.MapFile(*shmPath, *shmSize)
	if err != nil {
		panic(err)
	}

	defer region.Close()

	agent := fwemu.NewAgent()
	agent.Attach(uint32(*smcID), region)
	agent.Handle(scmi.ProtocolBase, fwemu.BaseHandler(0x20000, *vendor))

	l, err := listen(*listenAddr)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	slog.Info("serving conduit", "listen", *listenAddr, "shm", *shmPath, "smc-id", fmt.Sprintf("%#x", *smcID))

	if err := fwemu.Serve(ctx, l, agent); err != nil {
		panic(err)
	}
}

func listen(addr string) (net.Listener, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "tcp":
		return net.Listen("tcp", u.Host)

	case "vsock":
		port, err := strconv.ParseUint(u.Port(), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("listen %s: bad port: %w", addr, err)
		}

		return vsock.Listen(uint32(port), nil)

	default:
		return nil, fmt.Errorf("listen %s: unknown scheme %q", addr, u.Scheme)
	}
}
