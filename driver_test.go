package chipcopy

import "testing"

func testDriver(params Parameters) (*Driver, *simChip) {
	chip := newSimChip(params.Signature, params)
	d := NewDriver(chip)
	d.SetTimings(Timings{})
	return d, chip
}

func TestCommandEncodings(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want Command
	}{
		{"program enable", NewProgramEnableCommand(), Command{0xAC, 0x53, 0x00, 0x00}},
		{"load extended address", NewLoadExtendedAddressCommand(), Command{0x4D, 0x00, 0x00, 0x00}},
		{"chip erase", NewChipEraseCommand(), Command{0xAC, 0x80, 0x00, 0x00}},
		{"read signature 2", NewReadSignatureCommand(2), Command{0x30, 0x00, 0x02, 0x00}},
		{"read eeprom", NewReadEEPROMCommand(0x7F), Command{0xA0, 0x00, 0x7F, 0x00}},
		{"write eeprom", NewWriteEEPROMCommand(0x10, 0xAB), Command{0xC0, 0x00, 0x10, 0xAB}},
		{"read word low", NewReadWordCommand(0x0123, false), Command{0x20, 0x01, 0x23, 0x00}},
		{"read word high", NewReadWordCommand(0x0123, true), Command{0x28, 0x01, 0x23, 0x00}},
		{"load word low", NewLoadWordCommand(0x0123, false, 0x55), Command{0x40, 0x00, 0x23, 0x55}},
		{"load word high", NewLoadWordCommand(0x0123, true, 0xAA), Command{0x48, 0x00, 0x23, 0xAA}},
		{"commit page", NewCommitPageCommand(0x0460), Command{0x4C, 0x04, 0x60, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.cmd != tt.want {
				t.Errorf("got % X, want % X", tt.cmd[:], tt.want[:])
			}
		})
	}
}

func TestFuseCommandEncodings(t *testing.T) {
	reads := map[Fuse]Command{
		FuseLow:      {0x50, 0x00, 0x00, 0x00},
		FuseHigh:     {0x58, 0x08, 0x00, 0x00},
		FuseExtended: {0x50, 0x08, 0x00, 0x00},
	}
	for f, want := range reads {
		cmd, err := NewReadFuseCommand(f)
		if err != nil {
			t.Fatalf("read %v: %v", f, err)
		}
		if cmd != want {
			t.Errorf("read %v: got % X, want % X", f, cmd[:], want[:])
		}
	}

	writes := map[Fuse]Command{
		FuseLow:      {0xAC, 0xA0, 0x00, 0x42},
		FuseHigh:     {0xAC, 0xA8, 0x00, 0x42},
		FuseExtended: {0xAC, 0xA4, 0x00, 0x42},
	}
	for f, want := range writes {
		cmd, err := NewWriteFuseCommand(f, 0x42)
		if err != nil {
			t.Fatalf("write %v: %v", f, err)
		}
		if cmd != want {
			t.Errorf("write %v: got % X, want % X", f, cmd[:], want[:])
		}
	}

	if _, err := NewReadFuseCommand(Fuse(3)); err == nil {
		t.Error("read fuse 3: expected error")
	}
	if _, err := NewWriteFuseCommand(Fuse(-1), 0); err == nil {
		t.Error("write fuse -1: expected error")
	}
}

func TestReadSignature(t *testing.T) {
	d, _ := testDriver(parametersBySignature[SignatureATtiny84])
	sig, err := d.ReadSignature()
	if err != nil {
		t.Fatal(err)
	}
	if sig != SignatureATtiny84 {
		t.Errorf("signature: got %#06x, want %#06x", sig, SignatureATtiny84)
	}
	want := [4]byte{0x1E, 0x93, 0x0C, 0xFF}
	if got := d.SignatureBytes(); got != want {
		t.Errorf("signature cache: got % X, want % X", got[:], want[:])
	}
}

func TestWriteCommitReadWordRoundtrip(t *testing.T) {
	params := parametersBySignature[SignatureATtiny44]
	d, _ := testDriver(params)

	// Second page, every word offset.
	base := uint16(params.PageSize)
	for off := 0; off < params.PageSize; off++ {
		value := uint16(0xBE00) | uint16(off)
		if err := d.WriteWord(base+uint16(off), value); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.CommitPage(base); err != nil {
		t.Fatal(err)
	}
	for off := 0; off < params.PageSize; off++ {
		got, err := d.ReadWord(base + uint16(off))
		if err != nil {
			t.Fatal(err)
		}
		if want := uint16(0xBE00) | uint16(off); got != want {
			t.Errorf("word %d: got %#04x, want %#04x", off, got, want)
		}
	}
}

func TestReadLoadPageRoundtrip(t *testing.T) {
	params := parametersBySignature[SignatureATtiny44]
	src, srcChip := testDriver(params)
	dst, dstChip := testDriver(params)
	srcChip.seed()

	var buf [transferBufferSize]byte
	pages := 3
	for page := 0; page < pages; page++ {
		addr := uint16(page * params.PageSize)
		if err := src.ReadPage(addr, params.PageSize, buf[:]); err != nil {
			t.Fatal(err)
		}
		if err := dst.LoadPage(addr, params.PageSize, buf[:]); err != nil {
			t.Fatal(err)
		}
		if err := dst.CommitPage(addr); err != nil {
			t.Fatal(err)
		}
	}
	span := 2 * params.PageSize * pages
	for i := 0; i < span; i++ {
		if dstChip.flash[i] != srcChip.flash[i] {
			t.Fatalf("flash byte %d: got %#02x, want %#02x", i, dstChip.flash[i], srcChip.flash[i])
		}
	}

	if err := src.ReadPage(0, params.PageSize, buf[:2*params.PageSize-1]); err == nil {
		t.Error("ReadPage with short buffer: expected error")
	}
	if err := dst.LoadPage(0, params.PageSize, buf[:2*params.PageSize-1]); err == nil {
		t.Error("LoadPage with short buffer: expected error")
	}
}

func TestEEPROMReadWrite(t *testing.T) {
	d, chip := testDriver(parametersBySignature[SignatureATtiny44])
	if err := d.WriteEEPROM(0x40, 0xA5); err != nil {
		t.Fatal(err)
	}
	got, err := d.ReadEEPROM(0x40)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0xA5 {
		t.Errorf("eeprom: got %#02x, want 0xA5", got)
	}
	if chip.eepromWrites != 1 {
		t.Errorf("eeprom writes: got %d, want 1", chip.eepromWrites)
	}
}

func TestEraseLeavesProgrammingMode(t *testing.T) {
	d, chip := testDriver(parametersBySignature[SignatureATtiny44])
	chip.seed()
	if _, err := d.EnableProgramming(); err != nil {
		t.Fatal(err)
	}
	if err := d.Erase(); err != nil {
		t.Fatal(err)
	}
	if chip.enabled {
		t.Error("device still in programming mode after erase")
	}
	for i, v := range chip.flash {
		if v != 0xFF {
			t.Fatalf("flash byte %d not erased: %#02x", i, v)
		}
	}
}

func TestEnableProgrammingLenientEcho(t *testing.T) {
	d, chip := testDriver(parametersBySignature[SignatureATtiny44])
	chip.enableEcho = 0x00
	ack, err := d.EnableProgramming()
	if err != nil {
		t.Fatalf("enable with bad echo: %v", err)
	}
	if ack != 0x00 {
		t.Errorf("ack: got %#02x, want the device's echo", ack)
	}
}
