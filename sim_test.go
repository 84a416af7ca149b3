package chipcopy

// simChip is a Port that behaves like an ATtiny on the other end of the
// programming lines: it decodes the 4-byte instructions against in-memory
// flash, EEPROM and fuse arrays. Fault injection hooks let tests lose a
// written unit to exercise the verification paths.
type simChip struct {
	signature [3]byte
	flash     []byte // byte image, 2 bytes per word
	eeprom    [256]byte
	fuses     [3]byte
	pageSize  int // words
	pageBuf   [transferBufferSize]byte

	enabled    bool
	enableEcho byte

	armCount     int
	enableCount  int
	eraseCount   int
	commitCount  int
	eepromWrites int

	// Fault injection: -1 disables.
	dropEEPROMWriteAt int // EEPROM address whose write is silently lost
	dropFlashByteAt   int // flash byte address left erased after commit
	dropFuseWriteAt   int // fuse index whose write is silently lost
}

func newSimChip(signature uint32, params Parameters) *simChip {
	c := &simChip{
		signature:         [3]byte{byte(signature), byte(signature >> 8), byte(signature >> 16)},
		flash:             make([]byte, 2*params.PageSize*params.PageCount),
		pageSize:          params.PageSize,
		enableEcho:        ProgramEnableEcho,
		dropEEPROMWriteAt: -1,
		dropFlashByteAt:   -1,
		dropFuseWriteAt:   -1,
	}
	for i := range c.flash {
		c.flash[i] = 0xFF
	}
	return c
}

func (c *simChip) seed() {
	for i := range c.flash {
		c.flash[i] = byte(i*7 + 3)
	}
	for i := range c.eeprom {
		c.eeprom[i] = byte(200 - i)
	}
	c.fuses = [3]byte{0x62, 0xDF, 0xFF}
}

var _ Port = (*simChip)(nil)

func (c *simChip) Arm() error {
	c.armCount++
	return nil
}

func (c *simChip) EnableProgramming() (byte, error) {
	c.enabled = true
	c.enableCount++
	return c.enableEcho, nil
}

func (c *simChip) Transact(cmd Command) (Response, error) {
	var data byte
	switch cmd[0] {
	case insReadSignature:
		if idx := int(cmd[2]); idx < len(c.signature) {
			data = c.signature[idx]
		} else {
			data = 0xFF // probe byte beyond the documented signature
		}

	case insReadEEPROM:
		data = c.eeprom[cmd[2]]

	case insWriteEEPROM:
		c.eepromWrites++
		if int(cmd[2]) != c.dropEEPROMWriteAt {
			c.eeprom[cmd[2]] = cmd[3]
		}

	case insReadFuseLow: // also extended, selected by the second byte
		if cmd[1] == 0x08 {
			data = c.fuses[FuseExtended]
		} else {
			data = c.fuses[FuseLow]
		}

	case insReadFuseHigh:
		data = c.fuses[FuseHigh]

	case insProgramEnable: // 0xAC family: enable, erase, fuse writes
		switch cmd[1] {
		case insProgramEnableB2:
			c.enabled = true
			data = c.enableEcho
		case insChipEraseB2:
			for i := range c.flash {
				c.flash[i] = 0xFF
			}
			c.enabled = false
			c.eraseCount++
		case insWriteFuseLowB2:
			c.writeFuse(FuseLow, cmd[3])
		case insWriteFuseHighB2:
			c.writeFuse(FuseHigh, cmd[3])
		case insWriteFuseExtB2:
			c.writeFuse(FuseExtended, cmd[3])
		}

	case insLoadExtAddr:
		// no extended memory on these parts

	case insReadWordLow, insReadWordHigh:
		addr := 2 * (uint32(cmd[1])<<8 | uint32(cmd[2]))
		if cmd[0] == insReadWordHigh {
			addr++
		}
		if int(addr) < len(c.flash) {
			data = c.flash[addr]
		} else {
			data = 0xFF
		}

	case insLoadWordLow, insLoadWordHigh:
		off := 2 * (int(cmd[2]) & (c.pageSize - 1))
		if cmd[0] == insLoadWordHigh {
			off++
		}
		c.pageBuf[off] = cmd[3]

	case insCommitPage:
		base := 2 * (int(cmd[1])<<8 | int(cmd[2]))
		n := copy(c.flash[base:], c.pageBuf[:2*c.pageSize])
		if c.dropFlashByteAt >= base && c.dropFlashByteAt < base+n {
			c.flash[c.dropFlashByteAt] = 0xFF
		}
		c.commitCount++
	}

	return Response{0x00, cmd[0], cmd[1], data}, nil
}

func (c *simChip) writeFuse(f Fuse, value byte) {
	if int(f) == c.dropFuseWriteAt {
		return
	}
	c.fuses[f] = value
}

// newSimDevice wraps a simChip in a Device with settle delays disabled.
func newSimDevice(name string, chip *simChip) *Device {
	dev := NewDevice(name, chip)
	dev.drv.SetTimings(Timings{})
	return dev
}
