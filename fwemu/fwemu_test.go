package fwemu_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/c35s/scmi"
	"github.com/c35s/scmi/fwemu"
	"github.com/c35s/scmi/platform"
	"github.com/c35s/scmi/shmem"
	"github.com/c35s/scmi/smc"
)

var le = binary.LittleEndian

func testTree() *platform.Tree {
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

// TestEndToEnd drives the smc transport against an in-process agent: the
// full path a protocol core would take for one request.
func TestEndToEnd(t *testing.T) {
	agent := fwemu.NewAgent()
	agent.Handle(scmi.ProtocolBase, fwemu.BaseHandler(0x20000, "test"))

	tree := testTree()
	xport, err := smc.New(smc.Config{
		Tree: tree,
		Call: agent,

		Map: func(res platform.Resource) (*shmem.Region, error) {
			r, err := shmem.New(make([]byte, res.Size))
			if err != nil {
				return nil, err
			}

			agent.Attach(0xc20000fe, r)
			return r, nil
		},
	})

	if err != nil {
		t.Fatal(err)
	}

	dev := &platform.Device{
		Name: "firmware-scmi",
		Node: tree.FindByPath("/firmware-scmi"),
	}

	var headers []uint32
	cinfo := &scmi.ChanInfo{
		Dev:        dev,
		RxCallback: func(hdr uint32) { headers = append(headers, hdr) },
	}

	if err := xport.ChanSetup(cinfo, dev, scmi.ProtocolBase, true); err != nil {
		t.Fatal(err)
	}

	x := &scmi.Xfer{
		Hdr: scmi.Hdr{
			ID:         scmi.BaseVersion,
			Type:       scmi.MsgTypeCommand,
			ProtocolID: scmi.ProtocolBase,
			Token:      1,
		},

		RX: make([]byte, 128),
	}

	if err := xport.SendMessage(cinfo, x); err != nil {
		t.Fatal(err)
	}

	if !xport.PollDone(cinfo, x) {
		t.Error("channel not released")
	}

	if len(headers) != 1 || headers[0] != x.Hdr.Pack() {
		t.Errorf("rx headers %v", headers)
	}

	xport.FetchResponse(cinfo, x)

	if x.RXLen != 8 {
		t.Fatalf("rx len %d", x.RXLen)
	}

	if status := scmi.Status(int32(le.Uint32(x.RX))); status != scmi.StatusSuccess {
		t.Errorf("status %v", status)
	}

	if version := le.Uint32(x.RX[4:]); version != 0x20000 {
		t.Errorf("version %#x", version)
	}
}

func TestAgent(t *testing.T) {
	t.Run("unknown fid", func(t *testing.T) {
		agent := fwemu.NewAgent()
		if ret := agent.SMC(0x1234, [7]uint64{}); ret != fwemu.StatusNotSupported {
			t.Errorf("ret %#x", ret)
		}
	})

	t.Run("unknown protocol", func(t *testing.T) {
		r, err := shmem.New(make([]byte, 0x1000))
		if err != nil {
			t.Fatal(err)
		}

		agent := fwemu.NewAgent()
		agent.Attach(1, r)

		x := &scmi.Xfer{Hdr: scmi.Hdr{ID: 0, ProtocolID: 0x42}}
		r.TxPrepare(x)

		if ret := agent.SMC(1, [7]uint64{0x42}); ret != 0 {
			t.Errorf("ret %#x", ret)
		}

		y := &scmi.Xfer{RX: make([]byte, 8)}
		r.FetchResponse(y)

		if status := scmi.Status(int32(le.Uint32(y.RX))); status != scmi.StatusNotSupported {
			t.Errorf("status %v", status)
		}
	})

	t.Run("hvc is served too", func(t *testing.T) {
		r, err := shmem.New(make([]byte, 0x1000))
		if err != nil {
			t.Fatal(err)
		}

		agent := fwemu.NewAgent()
		agent.Attach(1, r)
		agent.Handle(scmi.ProtocolBase, fwemu.BaseHandler(1, "x"))

		x := &scmi.Xfer{Hdr: scmi.Hdr{ID: scmi.BaseVersion, ProtocolID: scmi.ProtocolBase}}
		r.TxPrepare(x)

		if ret := agent.HVC(1, [7]uint64{scmi.ProtocolBase}); ret != 0 {
			t.Errorf("ret %#x", ret)
		}

		if !r.PollDone(x) {
			t.Error("channel not released")
		}
	})
}

func TestBaseHandler(t *testing.T) {
	h := fwemu.BaseHandler(0x20000, "vendor")

	t.Run("vendor", func(t *testing.T) {
		status, out := h(scmi.Hdr{ID: scmi.BaseDiscoverVendor}, nil)
		if status != scmi.StatusSuccess {
			t.Fatalf("status %v", status)
		}

		if want := append([]byte("vendor"), make([]byte, 10)...); !bytes.Equal(out, want) {
			t.Errorf("out % x", out)
		}
	})

	t.Run("unknown message", func(t *testing.T) {
		if status, _ := h(scmi.Hdr{ID: 0x7f}, nil); status != scmi.StatusNotFound {
			t.Errorf("status %v", status)
		}
	})
}

// TestRemote forwards calls through the network conduit to a served agent.
// Caller and agent share the region directly; only the privileged call
// crosses the connection.
func TestRemote(t *testing.T) {
	r, err := shmem.New(make([]byte, 0x1000))
	if err != nil {
		t.Fatal(err)
	}

	agent := fwemu.NewAgent()
	agent.Attach(0xc2000001, r)
	agent.Handle(scmi.ProtocolBase, fwemu.BaseHandler(0x10000, "remote"))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- fwemu.Serve(ctx, l, agent)
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	rc := fwemu.NewRemoteCaller(conn)
	defer rc.Close()

	x := &scmi.Xfer{
		Hdr: scmi.Hdr{ID: scmi.BaseVersion, ProtocolID: scmi.ProtocolBase, Token: 3},
	}

	r.TxPrepare(x)

	if ret := rc.SMC(0xc2000001, [7]uint64{scmi.ProtocolBase}); ret != 0 {
		t.Errorf("ret %#x", ret)
	}

	if !r.PollDone(x) {
		t.Error("channel not released")
	}

	y := &scmi.Xfer{RX: make([]byte, 8)}
	r.FetchResponse(y)

	if status := scmi.Status(int32(le.Uint32(y.RX))); status != scmi.StatusSuccess {
		t.Errorf("status %v", status)
	}

	if version := le.Uint32(y.RX[4:]); version != 0x10000 {
		t.Errorf("version %#x", version)
	}

	if ret := rc.SMC(0xdead, [7]uint64{}); ret != fwemu.StatusNotSupported {
		t.Errorf("unknown fid ret %#x", ret)
	}

	cancel()

	select {
	case err := <-serveDone:
		if err != nil {
			t.Error(err)
		}

	case <-time.After(time.Second):
		t.Error("serve did not stop")
	}
}
