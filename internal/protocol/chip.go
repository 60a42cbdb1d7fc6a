package protocol

import "fmt"

// Chip is a tagged identity for one member of the ESP chip family. It
// replaces a bare integer-ID-plus-lookup-table with a small closed sum
// type: every per-chip protocol quirk (stub availability, the BEGIN
// trailer word, whether baud renegotiation and MD5 verification apply) is
// a method on the variant instead of a scattered equality comparison.
type Chip int

const (
	ChipUnknown Chip = iota
	ChipESP8266
	ChipESP32
	ChipESP32S2
	ChipESP32S3
	ChipESP32C2
	ChipESP32C3
	ChipESP32C6
	ChipESP32H2
)

// chipMagics maps each recognized ROM magic value to its chip. Some chips
// (C3, H2) are matched by more than one magic across ROM revisions.
var chipMagics = map[uint32]Chip{
	0xFFF0C101: ChipESP8266,
	0x00F01D83: ChipESP32,
	0x000007C6: ChipESP32S2,
	0x00000009: ChipESP32S3,
	0x6F51306F: ChipESP32C2,
	0x6921506F: ChipESP32C3,
	0x1B31506F: ChipESP32C3,
	0x0DA1806F: ChipESP32C6,
	0xCA26CC22: ChipESP32H2,
	0xD7B73E80: ChipESP32H2,
}

// DetectChip maps a 32-bit magic value read from ChipDetectMagicRegAddr to
// a chip identity. Detection is total over the table above and injective
// per chip kind: every listed magic maps to exactly one chip, and every
// chip is reachable from at least one magic.
func DetectChip(magic uint32) (Chip, error) {
	if c, ok := chipMagics[magic]; ok {
		return c, nil
	}
	return ChipUnknown, &UnsupportedChipError{Magic: magic}
}

// UnsupportedChipError reports a magic value absent from the registry.
type UnsupportedChipError struct {
	Magic uint32
}

func (e *UnsupportedChipError) Error() string {
	return fmt.Sprintf("protocol: unsupported chip, magic value 0x%08X", e.Magic)
}

func (c Chip) String() string {
	switch c {
	case ChipESP8266:
		return "ESP8266"
	case ChipESP32:
		return "ESP32"
	case ChipESP32S2:
		return "ESP32-S2"
	case ChipESP32S3:
		return "ESP32-S3"
	case ChipESP32C2:
		return "ESP32-C2"
	case ChipESP32C3:
		return "ESP32-C3"
	case ChipESP32C6:
		return "ESP32-C6"
	case ChipESP32H2:
		return "ESP32-H2"
	default:
		return "unknown"
	}
}

// HasStub reports whether this chip has an associated RAM stub blob.
// ESP8266 and ESP32-C2 are always driven ROM-only.
func (c Chip) HasStub() bool {
	switch c {
	case ChipESP32, ChipESP32S2, ChipESP32S3, ChipESP32H2, ChipESP32C3, ChipESP32C6:
		return true
	default:
		return false
	}
}

// FlashBeginTrailer reports whether this chip's FLASH_BEGIN/FLASH_DEFL_BEGIN
// payload carries the extra trailing 32-bit zero word.
func (c Chip) FlashBeginTrailer() bool {
	switch c {
	case ChipESP32S2, ChipESP32S3, ChipESP32C2, ChipESP32C3, ChipESP32C6, ChipESP32H2:
		return true
	default:
		return false
	}
}

// SkipBaudChange reports whether baud-rate renegotiation should be skipped
// entirely for this chip (ESP8266 ROM does not support CHANGE_BAUDRATE).
func (c Chip) SkipBaudChange() bool {
	return c == ChipESP8266
}

// SupportsMD5 reports whether SPI_FLASH_MD5 verification is available.
// ESP8266 ROM does not implement it.
func (c Chip) SupportsMD5() bool {
	return c != ChipESP8266
}
