package mmu

import (
	"encoding/binary"

	"github.com/joshuapare/memkit/mem"
)

// ReadBytes copies size bytes starting at v into a fresh slice. The range may
// cross page boundaries; every page it touches must be mapped.
func ReadBytes(m Memory, v mem.VAddr, size uint32) ([]byte, error) {
	out := make([]byte, size)
	if err := readInto(m, v, out); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteBytes copies data into memory starting at v, crossing page boundaries
// as needed.
func WriteBytes(m Memory, v mem.VAddr, data []byte) error {
	for len(data) > 0 {
		page, err := m.PageBytes(v)
		if err != nil {
			return err
		}
		off := uint32(v) % mem.PageSize
		n := copy(page[off:], data)
		data = data[n:]
		v += mem.VAddr(n)
	}
	return nil
}

// Read32 reads a little-endian 32-bit word at v.
func Read32(m Memory, v mem.VAddr) (uint32, error) {
	var buf [4]byte
	if err := readInto(m, v, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Write32 stores a little-endian 32-bit word at v.
func Write32(m Memory, v mem.VAddr, word uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], word)
	return WriteBytes(m, v, buf[:])
}

// Zero clears size bytes starting at v.
func Zero(m Memory, v mem.VAddr, size uint32) error {
	for size > 0 {
		page, err := m.PageBytes(v)
		if err != nil {
			return err
		}
		off := uint32(v) % mem.PageSize
		chunk := page[off:]
		if uint32(len(chunk)) > size {
			chunk = chunk[:size]
		}
		for i := range chunk {
			chunk[i] = 0
		}
		size -= uint32(len(chunk))
		v += mem.VAddr(len(chunk))
	}
	return nil
}

// Copy moves size bytes from src to dst. The ranges must not overlap.
func Copy(m Memory, dst, src mem.VAddr, size uint32) error {
	buf, err := ReadBytes(m, src, size)
	if err != nil {
		return err
	}
	return WriteBytes(m, dst, buf)
}

func readInto(m Memory, v mem.VAddr, out []byte) error {
	for len(out) > 0 {
		page, err := m.PageBytes(v)
		if err != nil {
			return err
		}
		off := uint32(v) % mem.PageSize
		n := copy(out, page[off:])
		out = out[n:]
		v += mem.VAddr(n)
	}
	return nil
}
