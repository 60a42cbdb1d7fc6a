// Package stub embeds the RAM stub image used to bootstrap fast flashing
// on chips that support it, and resolves one by chip identity.
//
// The images under assets/ are placeholder payloads: deterministic filler
// long enough to exercise the MEM_BEGIN/MEM_DATA/MEM_END upload path and
// the text/data split, not a working firmware replacement for the ROM
// loader. Shipping a real stub means embedding Espressif's prebuilt
// binaries for each target, which aren't part of this tree; swapping the
// placeholder asset for a real one is a drop-in JSON replacement, nothing
// in internal/session needs to change.
package stub

import (
	"embed"
	"fmt"

	"github.com/dkaukov/esp-32-flash/internal/protocol"
)

//go:embed assets/*.json
var assets embed.FS

var assetNames = map[protocol.Chip]string{
	protocol.ChipESP32:   "esp32.json",
	protocol.ChipESP32S2: "esp32s2.json",
	protocol.ChipESP32S3: "esp32s3.json",
	protocol.ChipESP32C3: "esp32c3.json",
	protocol.ChipESP32C6: "esp32c6.json",
	protocol.ChipESP32H2: "esp32h2.json",
}

// ForChip returns the RAM stub descriptor for the given chip, or an error
// if the chip has no stub (HasStub() is false) or no embedded asset.
func ForChip(c protocol.Chip) (*protocol.Descriptor, error) {
	name, ok := assetNames[c]
	if !ok {
		return nil, fmt.Errorf("stub: no stub image for %s", c)
	}
	raw, err := assets.ReadFile("assets/" + name)
	if err != nil {
		return nil, fmt.Errorf("stub: read asset %s: %w", name, err)
	}
	return protocol.DecodeDescriptor(raw)
}
