package chipcopy

import (
	"fmt"

	"github.com/pkg/errors"
)

// Signatures of the supported device variants, with signature byte 0 in the
// least significant position.
const (
	SignatureATtiny44 uint32 = 0x07921E
	SignatureATtiny84 uint32 = 0x0C931E
)

// Parameters holds the programming geometry of an identified device.
type Parameters struct {
	// Signature is the 24-bit device signature.
	Signature uint32
	// PageSize is the number of words per program memory page.
	PageSize int
	// PageCount is the number of pages in program memory.
	PageCount int
	// EEPROMSize is the number of reachable EEPROM bytes.
	EEPROMSize int
}

// parametersBySignature is the static geometry table for the supported
// variants. Geometry is never read from the device itself. The ATtiny84 has
// 512 bytes of EEPROM but only the first 256 are reachable through the 8-bit
// EEPROM address encoding.
var parametersBySignature = map[uint32]Parameters{
	SignatureATtiny44: {
		Signature:  SignatureATtiny44,
		PageSize:   32,
		PageCount:  64,
		EEPROMSize: 256,
	},
	SignatureATtiny84: {
		Signature:  SignatureATtiny84,
		PageSize:   32,
		PageCount:  128,
		EEPROMSize: 256,
	},
}

// UnknownDeviceError indicates that a device answered with a signature that
// matches no supported variant, or answered with noise because nothing is
// connected. The two cases are electrically indistinguishable.
type UnknownDeviceError struct {
	Signature uint32
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("unknown device signature %#06x", e.Signature)
}

// Device pairs one electrical interface with the parameters of the chip last
// identified on it.
type Device struct {
	name       string
	drv        *Driver
	params     Parameters
	identified bool
}

// NewDevice returns a device accessed through the given port. The name is
// used in logs and errors ("socket", "bus").
func NewDevice(name string, port Port) *Device {
	return &Device{name: name, drv: NewDriver(port)}
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Driver returns the device's programming driver.
func (d *Device) Driver() *Driver { return d.drv }

// Parameters returns the geometry populated by the last successful Identify.
// Meaningless while Identified reports false.
func (d *Device) Parameters() Parameters { return d.params }

// Identified reports whether a supported chip has been identified on this
// device's interface.
func (d *Device) Identified() bool { return d.identified }

// Identify focuses the device, reads its signature and matches it against
// the supported variants. On a match the device's parameters are populated
// from the static geometry table. On no match the parameters are left
// untouched and an UnknownDeviceError is returned.
func (d *Device) Identify() error {
	if err := d.drv.Port().Arm(); err != nil {
		return err
	}
	if _, err := d.drv.EnableProgramming(); err != nil {
		return err
	}
	sig, err := d.drv.ReadSignature()
	if err != nil {
		return err
	}
	params, ok := parametersBySignature[sig]
	if !ok {
		return &UnknownDeviceError{Signature: sig}
	}
	d.params = params
	d.identified = true
	pkgLog.Debugf("%s: identified %#06x, %d pages of %d words, %d bytes eeprom",
		d.name, sig, params.PageCount, params.PageSize, params.EEPROMSize)
	return nil
}

// focus re-arms the device's interface and puts the device back into
// programming mode. Required before transacting with a device that was not
// the last one addressed: switching focus invalidates the line state of the
// other interface.
func (d *Device) focus() error {
	if err := d.drv.Port().Arm(); err != nil {
		return errors.Wrapf(err, "%s: arm", d.name)
	}
	if _, err := d.drv.EnableProgramming(); err != nil {
		return errors.Wrap(err, d.name)
	}
	return nil
}

// geometry is the lowest-common-denominator session geometry between a source
// and a target device, valid for one copy cycle.
type geometry struct {
	pageCount  int
	pageSize   int // words; taken from the source, both variants share it
	eepromSize int
}

func sessionGeometry(source, target Parameters) geometry {
	g := geometry{
		pageCount:  source.PageCount,
		pageSize:   source.PageSize,
		eepromSize: source.EEPROMSize,
	}
	if target.PageCount < g.pageCount {
		g.pageCount = target.PageCount
	}
	if target.EEPROMSize < g.eepromSize {
		g.eepromSize = target.EEPROMSize
	}
	// The 8-bit EEPROM address encoding cannot reach past the first 256
	// bytes; offsets beyond that would alias back to the start.
	if g.eepromSize > 256 {
		g.eepromSize = 256
	}
	return g
}
