package disk

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/tiercache/internal/errs"
	"github.com/hupe1980/tiercache/internal/hash"
	"github.com/hupe1980/tiercache/internal/segment"
)

const (
	magic      uint32 = 0x47534354 // "TCSG"
	version    uint16 = 1
	headerSize        = 4096
	entrySize         = 64
	pageSize          = 4096
	align             = 8
	maxKeyLen         = 1 << 20

	flagUsed   byte = 1 << 0
	flagVetoed byte = 1 << 1
)

type header struct {
	segment    uint32
	segments   uint32
	tableSlots uint32
	tableOff   uint64
}

func (h header) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], magic)
	binary.LittleEndian.PutUint16(b[4:], version)
	binary.LittleEndian.PutUint16(b[6:], 0)
	binary.LittleEndian.PutUint32(b[8:], h.segment)
	binary.LittleEndian.PutUint32(b[12:], h.segments)
	binary.LittleEndian.PutUint32(b[16:], h.tableSlots)
	binary.LittleEndian.PutUint64(b[20:], h.tableOff)
	binary.LittleEndian.PutUint32(b[28:], hash.CRC32C(b[:28]))
}

func decodeHeader(b []byte) (header, error) {
	if len(b) < headerSize {
		return header{}, fmt.Errorf("%w: file is %d bytes", errs.ErrCorruptHeader, len(b))
	}
	if got := binary.LittleEndian.Uint32(b[0:]); got != magic {
		return header{}, fmt.Errorf("%w: bad magic %#x", errs.ErrCorruptHeader, got)
	}
	if got := binary.LittleEndian.Uint16(b[4:]); got != version {
		return header{}, fmt.Errorf("%w: unsupported version %d", errs.ErrCorruptHeader, got)
	}
	if binary.LittleEndian.Uint32(b[28:]) != hash.CRC32C(b[:28]) {
		return header{}, fmt.Errorf("%w: checksum mismatch", errs.ErrCorruptHeader)
	}

	h := header{
		segment:    binary.LittleEndian.Uint32(b[8:]),
		segments:   binary.LittleEndian.Uint32(b[12:]),
		tableSlots: binary.LittleEndian.Uint32(b[16:]),
		tableOff:   binary.LittleEndian.Uint64(b[20:]),
	}
	end := h.tableOff + uint64(h.tableSlots)*entrySize
	if h.tableSlots > 0 && (h.tableOff < headerSize || end > uint64(len(b))) {
		return header{}, fmt.Errorf("%w: page table [%d, %d) outside file", errs.ErrCorruptHeader, h.tableOff, end)
	}
	return h, nil
}

// entry is a view of one page table entry.
type entry []byte

func (e entry) flags() byte      { return e[0] }
func (e entry) keyLen() int      { return int(binary.LittleEndian.Uint32(e[4:])) }
func (e entry) valLen() int      { return int(binary.LittleEndian.Uint32(e[8:])) }
func (e entry) valCRC() uint32   { return binary.LittleEndian.Uint32(e[12:]) }
func (e entry) offset() int64    { return int64(binary.LittleEndian.Uint64(e[16:])) }
func (e entry) checksum() uint32 { return binary.LittleEndian.Uint32(e[56:]) }

func (e entry) meta() segment.Meta {
	return segment.Meta{
		Hits:     binary.LittleEndian.Uint64(e[24:]),
		Created:  int64(binary.LittleEndian.Uint64(e[32:])),
		Accessed: int64(binary.LittleEndian.Uint64(e[40:])),
		Expires:  int64(binary.LittleEndian.Uint64(e[48:])),
	}
}

func (e entry) state() segment.State {
	return segment.StateOf(e.flags()&flagVetoed != 0, false)
}

func (e entry) put(keyLen, valLen int, valCRC uint32, off int64) {
	binary.LittleEndian.PutUint32(e[4:], uint32(keyLen))
	binary.LittleEndian.PutUint32(e[8:], uint32(valLen))
	binary.LittleEndian.PutUint32(e[12:], valCRC)
	binary.LittleEndian.PutUint64(e[16:], uint64(off))
}

// annotate sets flags and metadata and reseals the entry. Pins are not
// persisted: a reopened file has no in-flight faults.
func (e entry) annotate(m segment.Meta, s segment.State, key []byte) {
	flags := flagUsed
	if s.Vetoed() {
		flags |= flagVetoed
	}
	e[0] = flags
	e[1], e[2], e[3] = 0, 0, 0
	binary.LittleEndian.PutUint64(e[24:], m.Hits)
	binary.LittleEndian.PutUint64(e[32:], uint64(m.Created))
	binary.LittleEndian.PutUint64(e[40:], uint64(m.Accessed))
	binary.LittleEndian.PutUint64(e[48:], uint64(m.Expires))
	binary.LittleEndian.PutUint32(e[56:], e.seal(key))
	binary.LittleEndian.PutUint32(e[60:], 0)
}

func (e entry) seal(key []byte) uint32 {
	return hash.UpdateCRC32C(hash.CRC32C(e[:56]), key)
}

func alignUp(n, to int64) int64 {
	return (n + to - 1) / to * to
}
