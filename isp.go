// Package chipcopy clones the program memory, fuses and EEPROM of one
// ATtiny44/84 onto another over the AVR serial (in-system) programming
// protocol.
//
// The package contains three main layers: Port, Driver and Copier.
// Port is one electrical path to a target device and carries the fixed
// 4-byte command/response transactions of the protocol. Two transports are
// provided: BitBang drives the four programming lines directly through GPIO,
// and STK500 tunnels the same transactions through a serial Arduino-as-ISP
// adapter. Driver implements the individual programming operations (signature,
// fuses, EEPROM, paged program memory) on top of a Port. Copier orchestrates
// a full device-to-device copy with read-back verification.
//
// Also included is a command line tool, found in the cmd/chipcopy directory,
// that runs the clone loop on real hardware and exposes the individual
// operations for inspection and recovery work.
package chipcopy

import (
	"time"

	"github.com/pkg/errors"
)

// Command is one 4-byte serial programming instruction, the atomic command
// unit of the wire protocol.
type Command [4]byte

// Response holds the 4 bytes clocked back during a Command. The device echoes
// earlier command bytes in the later response positions; the position that
// carries real data depends on the instruction.
type Response [4]byte

// Port is one electrical path to a target device.
//
// Arm drives the programming lines to their idle state (clock low, data lines
// configured, reset held inactive). It must be called before transacting with
// a device that was not the last one addressed: arming one port invalidates
// any assumption about the line state of another port sharing the same
// transport.
type Port interface {
	Arm() error
	// EnableProgramming forces the device into serial programming mode
	// (reset strobe plus the programming enable instruction) and returns the
	// echo byte from the enable transaction. The device is expected to echo
	// ProgramEnableEcho but this is not enforced here; see Driver.EnableProgramming.
	EnableProgramming() (byte, error)
	// Transact performs one 4-byte command/response exchange.
	Transact(cmd Command) (Response, error)
}

// ProgramEnableEcho is the byte a healthy device echoes back during the
// programming enable instruction.
const ProgramEnableEcho = 0x53

// Fuse selects one of the three fuse bytes.
type Fuse int

// Fuse indices, in the order the copy engine transfers them.
const (
	FuseLow Fuse = iota
	FuseHigh
	FuseExtended
)

func (f Fuse) String() string {
	switch f {
	case FuseLow:
		return "lfuse"
	case FuseHigh:
		return "hfuse"
	case FuseExtended:
		return "efuse"
	default:
		return "invalid fuse"
	}
}

// Instruction bytes, per the ATtiny24/44/84 datasheet serial programming
// instruction set.
const (
	insProgramEnable   = 0xAC // followed by 0x53
	insProgramEnableB2 = 0x53
	insChipErase       = 0xAC // followed by 0x80
	insChipEraseB2     = 0x80
	insLoadExtAddr     = 0x4D
	insReadSignature   = 0x30
	insReadEEPROM      = 0xA0
	insWriteEEPROM     = 0xC0
	insReadFuseLow     = 0x50 // second byte 0x00
	insReadFuseHigh    = 0x58 // second byte 0x08
	insReadFuseExt     = 0x50 // second byte 0x08
	insWriteFuse       = 0xAC // second byte selects the fuse
	insWriteFuseLowB2  = 0xA0
	insWriteFuseHighB2 = 0xA8
	insWriteFuseExtB2  = 0xA4
	insReadWordLow     = 0x20
	insReadWordHigh    = 0x28
	insLoadWordLow     = 0x40
	insLoadWordHigh    = 0x48
	insCommitPage      = 0x4C
)

// NewProgramEnableCommand returns the programming enable instruction.
func NewProgramEnableCommand() Command {
	return Command{insProgramEnable, insProgramEnableB2, 0x00, 0x00}
}

// NewLoadExtendedAddressCommand returns the instruction that zeroes the
// extended address byte. Issued once after entering programming mode.
func NewLoadExtendedAddressCommand() Command {
	return Command{insLoadExtAddr, 0x00, 0x00, 0x00}
}

// NewChipEraseCommand returns the bulk erase instruction.
func NewChipEraseCommand() Command {
	return Command{insChipErase, insChipEraseB2, 0x00, 0x00}
}

// NewReadSignatureCommand returns the instruction reading one signature byte.
// Valid indices are 0-3; index 3 is a probe beyond the documented signature.
func NewReadSignatureCommand(index byte) Command {
	return Command{insReadSignature, 0x00, index, 0x00}
}

// NewReadEEPROMCommand returns the instruction reading one EEPROM byte.
// The address space is limited to the first 256 bytes of EEPROM.
func NewReadEEPROMCommand(address byte) Command {
	return Command{insReadEEPROM, 0x00, address, 0x00}
}

// NewWriteEEPROMCommand returns the instruction writing one EEPROM byte.
func NewWriteEEPROMCommand(address, value byte) Command {
	return Command{insWriteEEPROM, 0x00, address, value}
}

// NewReadFuseCommand returns the instruction reading the given fuse byte.
func NewReadFuseCommand(f Fuse) (Command, error) {
	switch f {
	case FuseLow:
		return Command{insReadFuseLow, 0x00, 0x00, 0x00}, nil
	case FuseHigh:
		return Command{insReadFuseHigh, 0x08, 0x00, 0x00}, nil
	case FuseExtended:
		return Command{insReadFuseExt, 0x08, 0x00, 0x00}, nil
	}
	return Command{}, errors.Errorf("invalid fuse index %d", f)
}

// NewWriteFuseCommand returns the instruction writing the given fuse byte.
func NewWriteFuseCommand(f Fuse, value byte) (Command, error) {
	switch f {
	case FuseLow:
		return Command{insWriteFuse, insWriteFuseLowB2, 0x00, value}, nil
	case FuseHigh:
		return Command{insWriteFuse, insWriteFuseHighB2, 0x00, value}, nil
	case FuseExtended:
		return Command{insWriteFuse, insWriteFuseExtB2, 0x00, value}, nil
	}
	return Command{}, errors.Errorf("invalid fuse index %d", f)
}

// NewReadWordCommand returns the instruction reading the low or high byte of
// the program memory word at the given word address.
func NewReadWordCommand(wordAddress uint16, high bool) Command {
	ins := byte(insReadWordLow)
	if high {
		ins = insReadWordHigh
	}
	return Command{ins, byte(wordAddress >> 8), byte(wordAddress), 0x00}
}

// NewLoadWordCommand returns the instruction loading the low or high byte of
// a word into the device's page buffer. Only the low address byte is
// significant: the device latches the word offset within the page.
func NewLoadWordCommand(wordAddress uint16, high bool, value byte) Command {
	ins := byte(insLoadWordLow)
	if high {
		ins = insLoadWordHigh
	}
	return Command{ins, 0x00, byte(wordAddress), value}
}

// NewCommitPageCommand returns the instruction committing the device's page
// buffer to program memory at the given word address.
func NewCommitPageCommand(pageWordAddress uint16) Command {
	return Command{insCommitPage, byte(pageWordAddress >> 8), byte(pageWordAddress), 0x00}
}

// Timings holds the post-write settle delays required by the target
// datasheet. The zero value performs no waiting, which is only appropriate
// against a simulated device.
type Timings struct {
	// EEPROMWrite is the wait after writing an EEPROM byte (tWD_EEPROM).
	EEPROMWrite time.Duration
	// FuseWrite is the wait after writing a fuse byte (tWD_FUSE).
	FuseWrite time.Duration
	// PageCommit is the wait after committing a program memory page (tWD_FLASH).
	PageCommit time.Duration
	// ChipErase is the wait after a bulk erase (tWD_ERASE).
	ChipErase time.Duration
}

// DefaultTimings returns the settle delays from the ATtiny24/44/84 datasheet.
func DefaultTimings() Timings {
	return Timings{
		EEPROMWrite: 4 * time.Millisecond,
		FuseWrite:   5 * time.Millisecond,
		PageCommit:  5 * time.Millisecond,
		ChipErase:   10 * time.Millisecond,
	}
}
