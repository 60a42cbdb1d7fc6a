package session

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/dkaukov/esp-32-flash/internal/protocol"
	"github.com/dkaukov/esp-32-flash/internal/slip"
)

// recordedRequest is one decoded request the mock chip observed, kept for
// test assertions against exact wire bytes.
type recordedRequest struct {
	op      protocol.Op
	payload []byte
}

// mockChip is an in-memory stand-in for a real chip's bootloader, used by
// the end-to-end tests. It implements transport.Transport directly: Write
// decodes one SLIP frame (exactly what the channel sends per call) and
// queues zero or one reply frames; Read drains the queue.
type mockChip struct {
	magic uint32

	outgoing []byte
	requests []recordedRequest

	isDeflate       bool
	numBlocks       int
	blocksBySeq     map[int][]byte
	dropOnceForSeq  map[int]bool
	romStyleMD5     bool
	forceBadMD5     bool
	controlLines    []struct{ dtr, rts bool }
	baud            int
}

func newMockChip(magic uint32) *mockChip {
	return &mockChip{
		magic:          magic,
		blocksBySeq:    make(map[int][]byte),
		dropOnceForSeq: make(map[int]bool),
	}
}

func (m *mockChip) Close() error { return nil }

func (m *mockChip) Flush() error {
	m.outgoing = nil
	return nil
}

func (m *mockChip) SetControlLines(dtr, rts bool) error {
	m.controlLines = append(m.controlLines, struct{ dtr, rts bool }{dtr, rts})
	return nil
}

func (m *mockChip) SetBaudRate(baud int) error {
	m.baud = baud
	return nil
}

func (m *mockChip) Read(buf []byte) (int, error) {
	if len(m.outgoing) == 0 {
		return 0, nil
	}
	n := copy(buf, m.outgoing)
	m.outgoing = m.outgoing[n:]
	return n, nil
}

func (m *mockChip) Write(buf []byte) error {
	data := slip.Decode(buf)
	if len(data) < 8 {
		return fmt.Errorf("mockChip: short request frame")
	}
	op := protocol.Op(data[1])
	payloadLen := int(binary.LittleEndian.Uint16(data[2:4]))
	payload := data[8 : 8+payloadLen]
	m.requests = append(m.requests, recordedRequest{op: op, payload: payload})

	reply := m.handle(op, payload)
	if reply != nil {
		m.outgoing = append(m.outgoing, slip.Encode(reply)...)
	}
	return nil
}

func (m *mockChip) handle(op protocol.Op, payload []byte) []byte {
	switch op {
	case protocol.OpSync:
		return buildReplyFrame(op, 0, nil, 0)
	case protocol.OpReadReg:
		return buildReplyFrame(op, m.magic, nil, 0)
	case protocol.OpMemBegin, protocol.OpMemData, protocol.OpMemEnd:
		return buildReplyFrame(op, 0, nil, 0)
	case protocol.OpSpiAttach, protocol.OpSpiSetParams, protocol.OpChangeBaudrate, protocol.OpFlashEnd:
		return buildReplyFrame(op, 0, nil, 0)
	case protocol.OpFlashBegin, protocol.OpFlashDeflBegin:
		m.isDeflate = op == protocol.OpFlashDeflBegin
		m.numBlocks = int(binary.LittleEndian.Uint32(payload[4:8]))
		m.blocksBySeq = make(map[int][]byte)
		return buildReplyFrame(op, 0, nil, 0)
	case protocol.OpFlashData, protocol.OpFlashDeflData:
		seq := int(binary.LittleEndian.Uint32(payload[4:8]))
		if m.dropOnceForSeq[seq] {
			m.dropOnceForSeq[seq] = false
			return nil
		}
		m.blocksBySeq[seq] = append([]byte{}, payload[16:]...)
		return buildReplyFrame(op, 0, nil, 0)
	case protocol.OpSpiFlashMD5:
		return m.handleMD5(payload)
	default:
		return buildReplyFrame(op, 0, nil, 1)
	}
}

func (m *mockChip) handleMD5(payload []byte) []byte {
	size := int(binary.LittleEndian.Uint32(payload[4:8]))

	var raw []byte
	for seq := 0; seq < m.numBlocks; seq++ {
		raw = append(raw, m.blocksBySeq[seq]...)
	}
	if m.isDeflate {
		inflated, err := inflate(raw)
		if err == nil {
			raw = inflated
		}
	}
	if len(raw) > size {
		raw = raw[:size]
	}

	digest := md5.Sum(raw)
	if m.forceBadMD5 {
		digest[0] ^= 0xFF
	}

	var body []byte
	if m.romStyleMD5 {
		body = []byte(hex.EncodeToString(digest[:]))
	} else {
		body = digest[:]
	}
	return buildReplyFrame(protocol.OpSpiFlashMD5, 0, body, 0)
}

// dropFirstReplyFor marks seq so the next FLASH_DATA/FLASH_DEFL_DATA
// reply for it is withheld exactly once, simulating a timeout.
func (m *mockChip) dropFirstReplyFor(seq int) {
	m.dropOnceForSeq[seq] = true
}

func buildReplyFrame(op protocol.Op, value uint32, body []byte, status byte) []byte {
	full := append(append([]byte{}, body...), status)
	resp := make([]byte, 8+len(full))
	resp[0] = protocol.DirResponse
	resp[1] = byte(op)
	binary.LittleEndian.PutUint16(resp[2:4], uint16(len(full)))
	binary.LittleEndian.PutUint32(resp[4:8], value)
	copy(resp[8:], full)
	return resp
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
