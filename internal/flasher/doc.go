// Package flasher drives the ROM bootloader of USB-attached chips.
//
// The bootloader protocol itself is delegated to esptool, run as a
// one-shot subprocess per operation through the process package. The
// package exposes it as a Flasher that detects and connects to a chip,
// returning a ChipSession that can write images at flash addresses and
// erase the flash. Progress is parsed from esptool's output.
package flasher
