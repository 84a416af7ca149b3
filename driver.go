package chipcopy

import (
	"time"

	"github.com/pkg/errors"
)

// Driver implements the individual serial programming operations on top of a
// Port. It assumes exclusive use of the port: operations must not be
// interleaved from multiple goroutines.
//
// Most operations require the device to be in programming mode; call
// EnableProgramming first, and again after Erase.
type Driver struct {
	port    Port
	timings Timings
	sig     [4]byte // most recently read signature bytes, including the probe byte
}

// NewDriver returns a driver over the given port using the datasheet settle
// delays.
func NewDriver(port Port) *Driver {
	return &Driver{port: port, timings: DefaultTimings()}
}

// SetTimings overrides the post-write settle delays. Useful against simulated
// or overclocked targets.
func (d *Driver) SetTimings(t Timings) {
	d.timings = t
}

// Port returns the underlying port.
func (d *Driver) Port() Port {
	return d.port
}

// EnableProgramming puts the device into programming mode and zeroes its
// extended address byte. The echo byte from the enable transaction is
// returned but not validated: a device that fails to echo ProgramEnableEcho
// will simply produce garbage on subsequent reads, which the signature match
// and copy verification catch downstream.
func (d *Driver) EnableProgramming() (byte, error) {
	ack, err := d.port.EnableProgramming()
	if err != nil {
		return 0, errors.Wrap(err, "programming enable")
	}
	if ack != ProgramEnableEcho {
		pkgLog.Debugf("programming enable echoed %#02x, want %#02x", ack, ProgramEnableEcho)
	}
	if _, err := d.port.Transact(NewLoadExtendedAddressCommand()); err != nil {
		return 0, errors.Wrap(err, "load extended address")
	}
	return ack, nil
}

// ReadSignature reads the three signature bytes plus one probe byte beyond
// them, caches all four, and returns the 24-bit signature with byte 0 in the
// least significant position.
func (d *Driver) ReadSignature() (uint32, error) {
	for j := byte(0); j < 4; j++ {
		resp, err := d.port.Transact(NewReadSignatureCommand(j))
		if err != nil {
			return 0, errors.Wrapf(err, "read signature byte %d", j)
		}
		d.sig[j] = resp[3]
	}
	return uint32(d.sig[0]) | uint32(d.sig[1])<<8 | uint32(d.sig[2])<<16, nil
}

// SignatureBytes returns the raw bytes cached by the last ReadSignature.
func (d *Driver) SignatureBytes() [4]byte {
	return d.sig
}

// ReadEEPROM reads one byte from the first 256 bytes of EEPROM.
func (d *Driver) ReadEEPROM(address byte) (byte, error) {
	resp, err := d.port.Transact(NewReadEEPROMCommand(address))
	if err != nil {
		return 0, errors.Wrapf(err, "read eeprom %#02x", address)
	}
	return resp[3], nil
}

// WriteEEPROM writes one byte to the first 256 bytes of EEPROM and waits out
// the internal write cycle.
func (d *Driver) WriteEEPROM(address, value byte) error {
	if _, err := d.port.Transact(NewWriteEEPROMCommand(address, value)); err != nil {
		return errors.Wrapf(err, "write eeprom %#02x", address)
	}
	time.Sleep(d.timings.EEPROMWrite)
	return nil
}

// ReadFuse reads the given fuse byte.
func (d *Driver) ReadFuse(f Fuse) (byte, error) {
	cmd, err := NewReadFuseCommand(f)
	if err != nil {
		return 0, err
	}
	resp, err := d.port.Transact(cmd)
	if err != nil {
		return 0, errors.Wrapf(err, "read %v", f)
	}
	return resp[3], nil
}

// WriteFuse writes the given fuse byte and waits out the write cycle.
func (d *Driver) WriteFuse(f Fuse, value byte) error {
	cmd, err := NewWriteFuseCommand(f, value)
	if err != nil {
		return err
	}
	if _, err := d.port.Transact(cmd); err != nil {
		return errors.Wrapf(err, "write %v", f)
	}
	time.Sleep(d.timings.FuseWrite)
	return nil
}

// Erase performs a bulk erase of program memory. The device drops out of
// programming mode; call EnableProgramming before further operations.
func (d *Driver) Erase() error {
	if _, err := d.port.Transact(NewChipEraseCommand()); err != nil {
		return errors.Wrap(err, "chip erase")
	}
	time.Sleep(d.timings.ChipErase)
	return nil
}

// ReadWord reads the program memory word at the given word address.
func (d *Driver) ReadWord(wordAddress uint16) (uint16, error) {
	lo, err := d.port.Transact(NewReadWordCommand(wordAddress, false))
	if err != nil {
		return 0, errors.Wrapf(err, "read word %#04x low", wordAddress)
	}
	hi, err := d.port.Transact(NewReadWordCommand(wordAddress, true))
	if err != nil {
		return 0, errors.Wrapf(err, "read word %#04x high", wordAddress)
	}
	return uint16(lo[3]) | uint16(hi[3])<<8, nil
}

// WriteWord loads one word into the device's page buffer. The value is not
// committed to program memory until CommitPage.
func (d *Driver) WriteWord(wordAddress uint16, value uint16) error {
	if _, err := d.port.Transact(NewLoadWordCommand(wordAddress, false, byte(value))); err != nil {
		return errors.Wrapf(err, "load word %#04x low", wordAddress)
	}
	if _, err := d.port.Transact(NewLoadWordCommand(wordAddress, true, byte(value>>8))); err != nil {
		return errors.Wrapf(err, "load word %#04x high", wordAddress)
	}
	return nil
}

// CommitPage commits the device's page buffer to program memory at the given
// page word address and waits out the write cycle.
func (d *Driver) CommitPage(pageWordAddress uint16) error {
	if _, err := d.port.Transact(NewCommitPageCommand(pageWordAddress)); err != nil {
		return errors.Wrapf(err, "commit page %#04x", pageWordAddress)
	}
	time.Sleep(d.timings.PageCommit)
	return nil
}

// ReadPage reads pageSize consecutive words starting at the given page word
// address, unpacking each little-endian into buf. buf must hold at least
// 2*pageSize bytes.
func (d *Driver) ReadPage(pageWordAddress uint16, pageSize int, buf []byte) error {
	if len(buf) < 2*pageSize {
		return errors.Errorf("page buffer too small: %d bytes for %d words", len(buf), pageSize)
	}
	for i := 0; i < pageSize; i++ {
		w, err := d.ReadWord(pageWordAddress + uint16(i))
		if err != nil {
			return err
		}
		buf[2*i] = byte(w)
		buf[2*i+1] = byte(w >> 8)
	}
	return nil
}

// LoadPage is the inverse of ReadPage: it loads pageSize words from buf into
// the device's page buffer. The page still needs CommitPage to be written.
func (d *Driver) LoadPage(pageWordAddress uint16, pageSize int, buf []byte) error {
	if len(buf) < 2*pageSize {
		return errors.Errorf("page buffer too small: %d bytes for %d words", len(buf), pageSize)
	}
	for i := 0; i < pageSize; i++ {
		w := uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
		if err := d.WriteWord(pageWordAddress+uint16(i), w); err != nil {
			return err
		}
	}
	return nil
}
