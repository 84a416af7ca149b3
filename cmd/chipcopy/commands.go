package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/avrtools/chipcopy"
	log "github.com/sirupsen/logrus"
)

// ensureIdentified puts the device into programming mode and checks that a
// supported chip answers.
func ensureIdentified(dev *chipcopy.Device) {
	if err := dev.Identify(); err != nil {
		log.Fatalf("failed to identify device: %v", err)
	}
}

func processIdentify(dev *chipcopy.Device, args []string) {
	ensureIdentified(dev)
	p := dev.Parameters()
	log.Infof("signature %#06x: %d pages of %d words, %d bytes eeprom",
		p.Signature, p.PageCount, p.PageSize, p.EEPROMSize)
}

func processReadSignature(dev *chipcopy.Device, args []string) {
	err := dev.Identify()
	sig := dev.Driver().SignatureBytes()
	fmt.Printf("signature bytes: % X\n", sig[:])
	if err != nil {
		log.Fatalf("no supported device: %v", err)
	}
}

func parseFuse(arg string) chipcopy.Fuse {
	switch arg {
	case "0", "l", "lfuse", "low":
		return chipcopy.FuseLow
	case "1", "h", "hfuse", "high":
		return chipcopy.FuseHigh
	case "2", "e", "efuse", "extended":
		return chipcopy.FuseExtended
	}
	log.Fatalf("invalid fuse %q, expected lfuse, hfuse or efuse", arg)
	return 0
}

func processReadFuse(dev *chipcopy.Device, args []string) {
	if len(args) != 1 {
		log.Fatalf("expected: fuse")
	}
	f := parseFuse(args[0])
	ensureIdentified(dev)
	v, err := dev.Driver().ReadFuse(f)
	if err != nil {
		log.Fatalf("failed to read %v: %v", f, err)
	}
	fmt.Printf("%v: %#02x\n", f, v)
}

func processWriteFuse(dev *chipcopy.Device, args []string) {
	if len(args) != 2 {
		log.Fatalf("expected: fuse value")
	}
	f := parseFuse(args[0])
	value, err := strconv.ParseUint(args[1], 0, 8)
	if err != nil {
		log.Fatalf("invalid fuse value: %v", err)
	}
	ensureIdentified(dev)
	if err := dev.Driver().WriteFuse(f, byte(value)); err != nil {
		log.Fatalf("failed to write %v: %v", f, err)
	}
	got, err := dev.Driver().ReadFuse(f)
	if err != nil {
		log.Fatalf("failed to read back %v: %v", f, err)
	}
	if got != byte(value) {
		log.Fatalf("%v read back %#02x, wrote %#02x", f, got, value)
	}
}

func getAddrAndLen(args []string) (byte, int) {
	if len(args) != 2 {
		log.Fatalf("expected: addr len")
	}
	addr, err := strconv.ParseUint(args[0], 0, 8)
	if err != nil {
		log.Fatalf("invalid address: %v", err)
	}
	length, err := strconv.ParseUint(args[1], 0, 9)
	if err != nil {
		log.Fatalf("invalid length: %v", err)
	}
	return byte(addr), int(length)
}

func processReadEE(dev *chipcopy.Device, args []string) {
	addr, length := getAddrAndLen(args)
	ensureIdentified(dev)
	data := make([]byte, 0, length)
	for i := 0; i < length; i++ {
		v, err := dev.Driver().ReadEEPROM(addr + byte(i))
		if err != nil {
			log.Fatalf("failed to read eeprom: %v", err)
		}
		data = append(data, v)
	}
	fmt.Print(hex.Dump(data))
}

func processWriteEE(dev *chipcopy.Device, args []string) {
	if len(args) != 2 {
		log.Fatalf("expected: addr datafile")
	}
	addr, err := strconv.ParseUint(args[0], 0, 8)
	if err != nil {
		log.Fatalf("invalid address: %v", err)
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		log.Fatalf("failed to read data file: %v", err)
	}
	ensureIdentified(dev)
	for i, v := range data {
		if err := dev.Driver().WriteEEPROM(byte(addr)+byte(i), v); err != nil {
			log.Fatalf("failed to write eeprom: %v", err)
		}
	}
}

func processErase(dev *chipcopy.Device, args []string) {
	ensureIdentified(dev)
	if err := dev.Driver().Erase(); err != nil {
		log.Fatalf("failed to erase: %v", err)
	}
}

func processDumpHex(dev *chipcopy.Device, args []string) {
	out := os.Stdout
	if len(args) == 1 {
		f, err := os.Create(args[0])
		if err != nil {
			log.Fatalf("failed to create output file: %v", err)
		}
		defer f.Close()
		out = f
	}
	ensureIdentified(dev)
	if err := dev.DumpHex(out); err != nil {
		log.Fatalf("failed to dump program memory: %v", err)
	}
}

func processFlashHex(dev *chipcopy.Device, args []string) {
	if len(args) != 1 {
		log.Fatalf("expected: hexfile")
	}
	f, err := os.Open(args[0])
	if err != nil {
		log.Fatalf("failed to open hex file: %v", err)
	}
	defer f.Close()
	ensureIdentified(dev)
	if err := dev.FlashHex(f); err != nil {
		log.Fatalf("failed to flash: %v", err)
	}
	log.Infof("flashed and verified")
}
