package shmem_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/c35s/scmi"
	"github.com/c35s/scmi/shmem"
)

var le = binary.LittleEndian

func newRegion(t *testing.T, size int) (*shmem.Region, []byte) {
	t.Helper()

	mem := make([]byte, size)
	r, err := shmem.New(mem)
	if err != nil {
		t.Fatal(err)
	}

	return r, mem
}

func TestNew(t *testing.T) {
	t.Run("too small", func(t *testing.T) {
		if _, err := shmem.New(make([]byte, shmem.MinSize-1)); err == nil {
			t.Error("no error")
		}
	})

	t.Run("header only", func(t *testing.T) {
		r, _ := newRegion(t, shmem.MinSize)
		if r.Capacity() != 0 {
			t.Errorf("capacity %d", r.Capacity())
		}
	})
}

func TestTxPrepare(t *testing.T) {
	r, mem := newRegion(t, 0x1000)

	// dirty the area to prove the writer clears it
	le.PutUint32(mem[0x04:], shmem.ChanStatFree|shmem.ChanStatError)
	le.PutUint64(mem[0x10:], 1)

	x := &scmi.Xfer{
		Hdr: scmi.Hdr{ID: 0x14, ProtocolID: 0x01, Token: 0},
		TX:  []byte{0x01, 0x02},
	}

	r.TxPrepare(x)

	if got := le.Uint32(mem[0x04:]); got != 0 {
		t.Errorf("channel status %#x != 0", got)
	}

	if got := le.Uint64(mem[0x10:]); got != 0 {
		t.Errorf("flags %#x != 0", got)
	}

	if got := le.Uint32(mem[0x18:]); got != 6 {
		t.Errorf("length %d != 6", got)
	}

	if want := x.Hdr.Pack(); le.Uint32(mem[0x1c:]) != want {
		t.Errorf("header %#x != %#x", le.Uint32(mem[0x1c:]), want)
	}

	if !bytes.Equal(mem[0x20:0x22], []byte{0x01, 0x02}) {
		t.Errorf("payload % x", mem[0x20:0x22])
	}

	if got := r.ReadHeader(); got != x.Hdr.Pack() {
		t.Errorf("read header %#x", got)
	}
}

func TestFetchResponse(t *testing.T) {
	t.Run("fits", func(t *testing.T) {
		r, mem := newRegion(t, 0x1000)

		le.PutUint32(mem[0x18:], 4+3)
		copy(mem[0x20:], []byte{0xaa, 0xbb, 0xcc})

		x := &scmi.Xfer{RX: make([]byte, 8)}
		r.FetchResponse(x)

		if x.RXLen != 3 {
			t.Errorf("rx len %d != 3", x.RXLen)
		}

		if !bytes.Equal(x.RX[:3], []byte{0xaa, 0xbb, 0xcc}) {
			t.Errorf("rx % x", x.RX[:3])
		}
	})

	t.Run("clamped", func(t *testing.T) {
		r, mem := newRegion(t, 0x1000)

		le.PutUint32(mem[0x18:], 4+8)
		copy(mem[0x20:], []byte{1, 2, 3, 4, 5, 6, 7, 8})

		x := &scmi.Xfer{RX: make([]byte, 2)}
		r.FetchResponse(x)

		if x.RXLen != 8 {
			t.Errorf("rx len %d != 8", x.RXLen)
		}

		if !bytes.Equal(x.RX, []byte{1, 2}) {
			t.Errorf("rx % x", x.RX)
		}
	})

	t.Run("short length", func(t *testing.T) {
		r, mem := newRegion(t, 0x1000)

		// a length below the header size means no payload
		le.PutUint32(mem[0x18:], 2)

		x := &scmi.Xfer{RX: make([]byte, 8)}
		r.FetchResponse(x)

		if x.RXLen != 0 {
			t.Errorf("rx len %d != 0", x.RXLen)
		}
	})
}

func TestPollDone(t *testing.T) {
	r, mem := newRegion(t, 0x1000)
	x := new(scmi.Xfer)

	if r.PollDone(x) {
		t.Error("done before completion")
	}

	le.PutUint32(mem[0x04:], shmem.ChanStatFree)

	if !r.PollDone(x) {
		t.Error("not done after completion")
	}
}

func TestCompleteTx(t *testing.T) {
	r, mem := newRegion(t, 0x1000)

	r.CompleteTx(0x00010014, []byte{0xde, 0xad}, false)

	if got := le.Uint32(mem[0x18:]); got != 6 {
		t.Errorf("length %d != 6", got)
	}

	if got := le.Uint32(mem[0x1c:]); got != 0x00010014 {
		t.Errorf("header %#x", got)
	}

	if !bytes.Equal(mem[0x20:0x22], []byte{0xde, 0xad}) {
		t.Errorf("payload % x", mem[0x20:0x22])
	}

	if !r.PollDone(new(scmi.Xfer)) {
		t.Error("channel not released")
	}

	if r.TxError() {
		t.Error("error bit set")
	}

	r.CompleteTx(0, nil, true)
	if !r.TxError() {
		t.Error("error bit not set")
	}
}

func TestReadMessage(t *testing.T) {
	r, _ := newRegion(t, 0x1000)

	x := &scmi.Xfer{
		Hdr: scmi.Hdr{ID: 0x03, ProtocolID: 0x10},
		TX:  []byte{0x42},
	}

	r.TxPrepare(x)

	hdr, payload := r.ReadMessage()
	if hdr != x.Hdr.Pack() {
		t.Errorf("header %#x != %#x", hdr, x.Hdr.Pack())
	}

	if !bytes.Equal(payload, []byte{0x42}) {
		t.Errorf("payload % x", payload)
	}
}
