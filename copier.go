package chipcopy

import (
	"fmt"

	"github.com/pkg/errors"
)

// The transfer buffer stages one program memory page (or one EEPROM block)
// between the read-back from the source and the write to the target.
// 64 bytes is one page on both supported variants.
const (
	transferBufferBits = 6
	transferBufferSize = 1 << transferBufferBits
)

// VerifyError indicates that a just-written byte did not read back as
// written. The first mismatch aborts the enclosing copy routine.
type VerifyError struct {
	// Region is "program memory", "fuse" or "eeprom".
	Region string
	// Address is the byte address of the mismatch, or the fuse index.
	Address uint32
	// Expected is the byte that was written, Got the byte read back.
	Expected byte
	Got      byte
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s verify failed at %#x: wrote %#02x, read %#02x",
		e.Region, e.Address, e.Expected, e.Got)
}

// Phase names reported to the progress callback.
const (
	PhaseErase   = "erase"
	PhaseProgram = "program"
	PhaseFuses   = "fuses"
	PhaseEEPROM  = "eeprom"
	PhaseDone    = "done"
)

// Progress describes how far a copy routine has advanced. Current counts
// pages for PhaseProgram and blocks for PhaseEEPROM.
type Progress struct {
	Phase   string
	Current int
	Total   int
}

// ProgressFunc receives progress reports during a copy. Implementations
// should return quickly; the copy blocks while it runs.
type ProgressFunc func(Progress)

// Copier copies the full contents of a source device onto a target device,
// verifying every region by reading it back. The three copy routines are
// synchronous and not reentrant: only one may run at a time.
type Copier struct {
	source *Device
	target *Device
	buf    [transferBufferSize]byte

	progress ProgressFunc
}

// NewCopier returns a copier from source onto target. Which physical device
// plays which role is the caller's policy; the two must be distinct.
func NewCopier(source, target *Device) *Copier {
	if source == nil || target == nil {
		panic("source and target cannot be nil")
	}
	if source == target {
		panic("source and target must be distinct devices")
	}
	return &Copier{source: source, target: target}
}

// SetProgressFunc installs a progress callback.
func (c *Copier) SetProgressFunc(f ProgressFunc) {
	c.progress = f
}

// Source returns the source role binding.
func (c *Copier) Source() *Device { return c.source }

// Target returns the target role binding.
func (c *Copier) Target() *Device { return c.target }

func (c *Copier) report(phase string, current, total int) {
	if c.progress != nil {
		c.progress(Progress{Phase: phase, Current: current, Total: total})
	}
}

// geometry computes the session geometry for one copy cycle. Both devices
// must have been identified.
func (c *Copier) geometry() (geometry, error) {
	if !c.source.Identified() {
		return geometry{}, errors.Errorf("%s: not identified", c.source.Name())
	}
	if !c.target.Identified() {
		return geometry{}, errors.Errorf("%s: not identified", c.target.Name())
	}
	return sessionGeometry(c.source.Parameters(), c.target.Parameters()), nil
}

func (c *Copier) focus(d *Device) error {
	return d.focus()
}

// CopyAll copies program memory, fuses and EEPROM, in that order, stopping at
// the first failure.
func (c *Copier) CopyAll() error {
	if err := c.CopyProgramMemory(); err != nil {
		return err
	}
	if err := c.CopyFuses(); err != nil {
		return err
	}
	if err := c.CopyEEPROM(); err != nil {
		return err
	}
	c.report(PhaseDone, 0, 0)
	return nil
}

// CopyProgramMemory erases the target, then copies program memory page by
// page, verifying each page word-for-word immediately after committing it.
// The first mismatched byte aborts the whole copy.
func (c *Copier) CopyProgramMemory() error {
	geo, err := c.geometry()
	if err != nil {
		return err
	}

	c.report(PhaseErase, 0, geo.pageCount)
	if err := c.focus(c.target); err != nil {
		return err
	}
	if err := c.target.drv.Erase(); err != nil {
		return errors.Wrap(err, c.target.name)
	}
	// The erase dropped the target out of programming mode; the per-page
	// focus below re-enables it.

	for page := 0; page < geo.pageCount; page++ {
		addr := uint16(page * geo.pageSize)

		if err := c.focus(c.source); err != nil {
			return err
		}
		if err := c.source.drv.ReadPage(addr, geo.pageSize, c.buf[:]); err != nil {
			return errors.Wrap(err, c.source.name)
		}

		if err := c.focus(c.target); err != nil {
			return err
		}
		if err := c.target.drv.LoadPage(addr, geo.pageSize, c.buf[:]); err != nil {
			return errors.Wrap(err, c.target.name)
		}
		if err := c.target.drv.CommitPage(addr); err != nil {
			return errors.Wrap(err, c.target.name)
		}

		// Read the page straight back while the target is still focused and
		// compare against the buffer still holding the source's data.
		for off := 0; off < geo.pageSize; off++ {
			w, err := c.target.drv.ReadWord(addr + uint16(off))
			if err != nil {
				return errors.Wrap(err, c.target.name)
			}
			byteAddr := 2 * uint32(addr+uint16(off))
			if byte(w) != c.buf[2*off] {
				return &VerifyError{Region: "program memory", Address: byteAddr,
					Expected: c.buf[2*off], Got: byte(w)}
			}
			if byte(w>>8) != c.buf[2*off+1] {
				return &VerifyError{Region: "program memory", Address: byteAddr + 1,
					Expected: c.buf[2*off+1], Got: byte(w >> 8)}
			}
		}

		c.report(PhaseProgram, page+1, geo.pageCount)
	}
	return nil
}

// CopyFuses reads the three fuse bytes from the source, writes them to the
// target, then reads all three back and requires exact equality.
func (c *Copier) CopyFuses() error {
	if _, err := c.geometry(); err != nil {
		return err
	}
	fuses := [...]Fuse{FuseLow, FuseHigh, FuseExtended}

	c.report(PhaseFuses, 0, len(fuses))
	if err := c.focus(c.source); err != nil {
		return err
	}
	var values [len(fuses)]byte
	for i, f := range fuses {
		v, err := c.source.drv.ReadFuse(f)
		if err != nil {
			return errors.Wrap(err, c.source.name)
		}
		values[i] = v
	}

	if err := c.focus(c.target); err != nil {
		return err
	}
	for i, f := range fuses {
		if err := c.target.drv.WriteFuse(f, values[i]); err != nil {
			return errors.Wrap(err, c.target.name)
		}
	}
	for i, f := range fuses {
		got, err := c.target.drv.ReadFuse(f)
		if err != nil {
			return errors.Wrap(err, c.target.name)
		}
		if got != values[i] {
			return &VerifyError{Region: "fuse", Address: uint32(f),
				Expected: values[i], Got: got}
		}
	}
	c.report(PhaseFuses, len(fuses), len(fuses))
	return nil
}

// CopyEEPROM copies the active EEPROM span in transfer-buffer-sized blocks,
// verifying each block byte-for-byte after writing it. At least one block is
// always processed, even when the active EEPROM size is zero. Byte addressing
// truncates to 8 bits, matching the EEPROM instruction encoding.
func (c *Copier) CopyEEPROM() error {
	geo, err := c.geometry()
	if err != nil {
		return err
	}

	blocks := geo.eepromSize >> transferBufferBits
	if blocks == 0 {
		// Fractional fills of the transfer buffer still cycle once.
		blocks = 1
	}

	c.report(PhaseEEPROM, 0, blocks)
	offset := 0
	for block := 0; block < blocks; block++ {
		if err := c.focus(c.source); err != nil {
			return err
		}
		for i := 0; i < transferBufferSize; i++ {
			v, err := c.source.drv.ReadEEPROM(byte(offset + i))
			if err != nil {
				return errors.Wrap(err, c.source.name)
			}
			c.buf[i] = v
		}

		if err := c.focus(c.target); err != nil {
			return err
		}
		for i := 0; i < transferBufferSize; i++ {
			if err := c.target.drv.WriteEEPROM(byte(offset+i), c.buf[i]); err != nil {
				return errors.Wrap(err, c.target.name)
			}
		}
		for i := 0; i < transferBufferSize; i++ {
			got, err := c.target.drv.ReadEEPROM(byte(offset + i))
			if err != nil {
				return errors.Wrap(err, c.target.name)
			}
			if got != c.buf[i] {
				return &VerifyError{Region: "eeprom", Address: uint32(offset + i),
					Expected: c.buf[i], Got: got}
			}
		}

		offset += transferBufferSize
		c.report(PhaseEEPROM, block+1, blocks)
	}
	return nil
}
