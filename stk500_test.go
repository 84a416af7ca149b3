package chipcopy

import (
	"bytes"
	"io"
	"testing"
)

// fakeAdapter scripts the serial side of an STK500v1 adapter. Universal
// commands are bridged to a simulated chip so the whole driver stack can run
// over the serial transport.
type fakeAdapter struct {
	chip    *simChip
	wrote   bytes.Buffer
	pending bytes.Buffer
	closed  bool
	// desync makes every reply start with a wrong sync byte.
	desync bool
}

var _ io.ReadWriteCloser = (*fakeAdapter)(nil)

func (f *fakeAdapter) Write(p []byte) (int, error) {
	f.wrote.Write(p)
	if len(p) == 0 || p[len(p)-1] != stkCRCEOP {
		return len(p), nil
	}
	sync := byte(stkInsync)
	if f.desync {
		sync = 0x00
	}
	switch p[0] {
	case stkGetSync, stkEnterProgmode, stkLeaveProgmode:
		f.pending.Write([]byte{sync, stkOK})
	case stkUniversal:
		var data byte
		if f.chip != nil {
			resp, _ := f.chip.Transact(Command{p[1], p[2], p[3], p[4]})
			data = resp[3]
		}
		f.pending.Write([]byte{sync, data, stkOK})
	}
	return len(p), nil
}

func (f *fakeAdapter) Read(p []byte) (int, error) {
	return f.pending.Read(p)
}

func (f *fakeAdapter) Close() error {
	f.closed = true
	return nil
}

func fakeSTK500(chip *simChip) (*STK500, *fakeAdapter) {
	adapter := &fakeAdapter{chip: chip}
	return &STK500{rw: adapter}, adapter
}

func TestSTK500TransactFraming(t *testing.T) {
	chip := newSimChip(SignatureATtiny84, parametersBySignature[SignatureATtiny84])
	port, adapter := fakeSTK500(chip)

	resp, err := port.Transact(NewReadSignatureCommand(0))
	if err != nil {
		t.Fatal(err)
	}
	wantFrame := []byte{stkUniversal, 0x30, 0x00, 0x00, 0x00, stkCRCEOP}
	if !bytes.Equal(adapter.wrote.Bytes(), wantFrame) {
		t.Errorf("frame: got % X, want % X", adapter.wrote.Bytes(), wantFrame)
	}
	if resp[3] != 0x1E {
		t.Errorf("payload: got %#02x, want 0x1e", resp[3])
	}
	// The synthesized echo pattern matches a directly-wired device.
	if resp[1] != 0x30 || resp[2] != 0x00 {
		t.Errorf("echo bytes: got % X", resp[:])
	}
}

func TestSTK500Identify(t *testing.T) {
	chip := newSimChip(SignatureATtiny44, parametersBySignature[SignatureATtiny44])
	port, _ := fakeSTK500(chip)

	dev := NewDevice("serial", port)
	dev.Driver().SetTimings(Timings{})
	if err := dev.Identify(); err != nil {
		t.Fatal(err)
	}
	if got := dev.Parameters().Signature; got != SignatureATtiny44 {
		t.Errorf("signature: got %#06x, want %#06x", got, SignatureATtiny44)
	}
}

func TestSTK500EnableProgramming(t *testing.T) {
	port, adapter := fakeSTK500(nil)
	ack, err := port.EnableProgramming()
	if err != nil {
		t.Fatal(err)
	}
	if ack != ProgramEnableEcho {
		t.Errorf("ack: got %#02x, want %#02x", ack, ProgramEnableEcho)
	}
	wantFrame := []byte{stkEnterProgmode, stkCRCEOP}
	if !bytes.Equal(adapter.wrote.Bytes(), wantFrame) {
		t.Errorf("frame: got % X, want % X", adapter.wrote.Bytes(), wantFrame)
	}
}

func TestSTK500OutOfSync(t *testing.T) {
	port, adapter := fakeSTK500(nil)
	adapter.desync = true
	if _, err := port.Transact(NewChipEraseCommand()); err == nil {
		t.Error("expected out-of-sync error")
	}
}

func TestSTK500Close(t *testing.T) {
	port, adapter := fakeSTK500(nil)
	if err := port.Close(); err != nil {
		t.Fatal(err)
	}
	if !adapter.closed {
		t.Error("serial port not closed")
	}
	wantFrame := []byte{stkLeaveProgmode, stkCRCEOP}
	if !bytes.Equal(adapter.wrote.Bytes(), wantFrame) {
		t.Errorf("frame: got % X, want % X", adapter.wrote.Bytes(), wantFrame)
	}
	// Closing again is a no-op.
	if err := port.Close(); err != nil {
		t.Fatal(err)
	}
}
