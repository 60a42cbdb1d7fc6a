package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Descriptor is a RAM stub image: a small relocatable program the session
// uploads via MEM_BEGIN/MEM_DATA/MEM_END to replace the ROM loader's slow,
// unbuffered command handling with a faster one running out of SRAM.
// Text and Data are loaded at TextStart/DataStart respectively; execution
// begins at Entry once both regions have landed.
type Descriptor struct {
	Entry     uint32
	TextStart uint32
	DataStart uint32
	Text      []byte
	Data      []byte
}

// descriptorWire is the on-disk JSON shape: a small key-value record with
// the two blobs base64-encoded, matching how the reference project ships
// stub images as textual assets rather than raw binaries.
type descriptorWire struct {
	Entry     uint32 `json:"entry"`
	TextStart uint32 `json:"text_start"`
	DataStart uint32 `json:"data_start"`
	Text      string `json:"text"`
	Data      string `json:"data"`
}

// DecodeDescriptor parses a stub descriptor from its JSON asset form.
func DecodeDescriptor(raw []byte) (*Descriptor, error) {
	var w descriptorWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("protocol: decode stub descriptor: %w", err)
	}
	text, err := base64.StdEncoding.DecodeString(w.Text)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode stub text segment: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode stub data segment: %w", err)
	}
	return &Descriptor{
		Entry:     w.Entry,
		TextStart: w.TextStart,
		DataStart: w.DataStart,
		Text:      text,
		Data:      data,
	}, nil
}

// Region is one contiguous block of a stub image to be loaded at Addr.
type Region struct {
	Addr  uint32
	Bytes []byte
}

// Regions returns the blocks to upload, text first then data, skipping any
// region with no bytes.
func (d *Descriptor) Regions() []Region {
	regions := make([]Region, 0, 2)
	if len(d.Text) > 0 {
		regions = append(regions, Region{Addr: d.TextStart, Bytes: d.Text})
	}
	if len(d.Data) > 0 {
		regions = append(regions, Region{Addr: d.DataStart, Bytes: d.Data})
	}
	return regions
}
