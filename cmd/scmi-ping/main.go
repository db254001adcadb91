// Command scmi-ping sends one SCMI request over the smc/hvc transport and
// prints the response. By default it talks to an in-process firmware
// emulator; with -conduit it forwards the privileged calls to an emulator
// served elsewhere (see scmi-emu) while mapping the same shared-memory
// backing file.
package main

import (
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"

	"github.com/c35s/scmi"
	"github.com/c35s/scmi/fwemu"
	"github.com/c35s/scmi/platform"
	"github.com/c35s/scmi/shmem"
	"github.com/c35s/scmi/smc"
	"github.com/mdlayher/vsock"
	"golang.org/x/term"
)

func main() {

	var (
		platformPath = flag.String("platform", "", "load a YAML platform description (default: built-in)")
		shmPath      = flag.String("shm", "/dev/shm/scmi-emu", "back shared memory with this file")
		conduitAddr  = flag.String("conduit", "", "forward calls to tcp://host:port or vsock://cid:port (default: in-process emulator)")
		protocolID   = flag.Uint("protocol", scmi.ProtocolBase, "protocol id")
		messageID    = flag.Uint("msg", scmi.BaseVersion, "message id")
		data         = flag.String("data", "", "request payload as hex")
	)

	flag.Parse()

	tree := defaultTree()
	if *platformPath != "" {
		t, err := platform.LoadFile(*platformPath)
		if err != nil {
			panic(err)
		}

		tree = t
	}

	dev := &platform.Device{
		Name: "firmware-scmi",
		Node: tree.FindByPath("/firmware-scmi"),
	}

	if dev.Node == nil {
		panic("no /firmware-scmi node in the platform tree")
	}

	payload, err := hex.DecodeString(*data)
	if err != nil {
		panic(err)
	}

	var (
		call  smc.Caller
		agent *fwemu.Agent
	)

	if *conduitAddr == "" {
		agent = fwemu.NewAgent()
		agent.Handle(scmi.ProtocolBase, fwemu.BaseHandler(0x20000, "c35s"))
		call = agent
	} else {
		conn, err := dialConduit(*conduitAddr)
		if err != nil {
			panic(err)
		}

		rc := fwemu.NewRemoteCaller(conn)
		defer rc.Close()
		call = rc
	}

	funcID, err := dev.Node.U32("smc-id")
	if err != nil {
		panic(err)
	}

	xport, err := smc.New(smc.Config{
		Tree: tree,
		Call: call,

		Map: func(res platform.Resource) (*shmem.Region, error) {
			r, err := shmem.MapFile(*shmPath, int(res.Size))
			if err != nil {
				return nil, err
			}

			// the in-process agent completes requests in the same mapping
			if agent != nil {
				agent.Attach(funcID, r)
			}

			return r, nil
		},
	})

	if err != nil {
		panic(err)
	}

	var rxHdr uint32
	cinfo := &scmi.ChanInfo{
		Dev:        dev,
		RxCallback: func(hdr uint32) { rxHdr = hdr },
	}

	if err := xport.ChanSetup(cinfo, dev, uint8(*protocolID), true); err != nil {
		panic(err)
	}

	x := &scmi.Xfer{
		Hdr: scmi.Hdr{
			ID:         uint8(*messageID),
			Type:       scmi.MsgTypeCommand,
			ProtocolID: uint8(*protocolID),
			Token:      1,
		},

		TX: payload,
		RX: make([]byte, xport.Desc().MaxMsgSize),
	}

	if err := xport.SendMessage(cinfo, x); err != nil {
		panic(err)
	}

	if !xport.PollDone(cinfo, x) {
		panic("channel not released after send")
	}

	xport.FetchResponse(cinfo, x)

	n := x.RXLen
	if n > len(x.RX) {
		n = len(x.RX)
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		hdr := scmi.UnpackHdr(rxHdr)
		fmt.Printf("hdr: protocol %#x msg %#x token %d type %d\n",
			hdr.ProtocolID, hdr.ID, hdr.Token, hdr.Type)

		if n >= 4 {
			status := scmi.Status(int32(binary.LittleEndian.Uint32(x.RX)))
			fmt.Printf("status: %s\n", status)
		}

		fmt.Printf("payload: %s\n", hex.EncodeToString(x.RX[:n]))
	} else {
		os.Stdout.Write(x.RX[:n])
	}

	xport.ChanFree(0, cinfo, nil)
}

func dialConduit(addr string) (net.Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "tcp":
		return net.Dial("tcp", u.Host)

	case "vsock":
		cid, err := strconv.ParseUint(u.Hostname(), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("conduit %s: bad context id: %w", addr, err)
		}

		port, err := strconv.ParseUint(u.Port(), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("conduit %s: bad port: %w", addr, err)
		}

		return vsock.Dial(uint32(cid), uint32(port), nil)

	default:
		return nil, fmt.Errorf("conduit %s: unknown scheme %q", addr, u.Scheme)
	}
}

func defaultTree() *platform.Tree {
	return platform.NewTree(&platform.Node{
		Children: map[string]*platform.Node{
			"psci": {
				Props: map[string]any{"method": "smc"},
			},

			"shmem@4e000000": {
				Label: "scmi_shmem",
				Props: map[string]any{"reg": []any{0x4e000000, 0x1000}},
			},

			"firmware-scmi": {
				Props: map[string]any{
					"smc-id": 0xc20000fe,
					"shmem":  "&scmi_shmem",
				},
			},
		},
	})
}
