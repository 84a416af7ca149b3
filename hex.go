package chipcopy

import (
	"io"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// DumpHex reads the device's entire program memory and writes it to w in
// Intel HEX format. Pages that are fully erased (all 0xFF) are omitted from
// the dump. The device must have been identified.
func (d *Device) DumpHex(w io.Writer) error {
	if !d.identified {
		return errors.Errorf("%s: not identified", d.name)
	}
	if err := d.focus(); err != nil {
		return err
	}

	params := d.params
	mem := gohex.NewMemory()
	var buf [transferBufferSize]byte
	pageBytes := 2 * params.PageSize
	for page := 0; page < params.PageCount; page++ {
		addr := uint16(page * params.PageSize)
		if err := d.drv.ReadPage(addr, params.PageSize, buf[:]); err != nil {
			return errors.Wrap(err, d.name)
		}
		if erased(buf[:pageBytes]) {
			continue
		}
		seg := make([]byte, pageBytes)
		copy(seg, buf[:pageBytes])
		if err := mem.AddBinary(2*uint32(addr), seg); err != nil {
			return errors.Wrapf(err, "hex segment at %#x", 2*uint32(addr))
		}
	}
	return mem.DumpIntelHex(w, 16)
}

// FlashHex parses an Intel HEX image from r, erases the device and programs
// the image page by page with read-back verification. The device must have
// been identified; the image must fit its program memory.
func (d *Device) FlashHex(r io.Reader) error {
	if !d.identified {
		return errors.Errorf("%s: not identified", d.name)
	}
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return errors.Wrap(err, "parse hex")
	}

	params := d.params
	pageBytes := 2 * params.PageSize
	image := make([]byte, pageBytes*params.PageCount)
	for i := range image {
		image[i] = 0xFF
	}
	for _, segment := range mem.GetDataSegments() {
		end := segment.Address + uint32(len(segment.Data))
		if end > uint32(len(image)) {
			return errors.Errorf("segment at %#x ends at %#x, beyond %d bytes of program memory",
				segment.Address, end, len(image))
		}
		copy(image[segment.Address:], segment.Data)
		pkgLog.Debugf("%s: hex segment at %#x length %d", d.name, segment.Address, len(segment.Data))
	}

	if err := d.focus(); err != nil {
		return err
	}
	if err := d.drv.Erase(); err != nil {
		return errors.Wrap(err, d.name)
	}
	if err := d.focus(); err != nil {
		return err
	}

	for page := 0; page < params.PageCount; page++ {
		chunk := image[page*pageBytes : (page+1)*pageBytes]
		if erased(chunk) {
			continue
		}
		addr := uint16(page * params.PageSize)
		if err := d.drv.LoadPage(addr, params.PageSize, chunk); err != nil {
			return errors.Wrap(err, d.name)
		}
		if err := d.drv.CommitPage(addr); err != nil {
			return errors.Wrap(err, d.name)
		}
		for off := 0; off < params.PageSize; off++ {
			w, err := d.drv.ReadWord(addr + uint16(off))
			if err != nil {
				return errors.Wrap(err, d.name)
			}
			byteAddr := 2 * uint32(addr+uint16(off))
			if byte(w) != chunk[2*off] {
				return &VerifyError{Region: "program memory", Address: byteAddr,
					Expected: chunk[2*off], Got: byte(w)}
			}
			if byte(w>>8) != chunk[2*off+1] {
				return &VerifyError{Region: "program memory", Address: byteAddr + 1,
					Expected: chunk[2*off+1], Got: byte(w >> 8)}
			}
		}
	}
	return nil
}

func erased(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}
