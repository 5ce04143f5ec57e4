package linker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// AddressSpace is the writable guest address range the linker relocates
// against. The process-launch path hands the core one of these; tests and
// the inspector use SparseSpace.
type AddressSpace interface {
	ReadAt(p []byte, addr uint64) error
	WriteAt(p []byte, addr uint64) error
}

var errUnmapped = errors.New("address not mapped")

type region struct {
	addr uint64
	data []byte
}

// SparseSpace is an AddressSpace backed by a sorted list of mapped regions.
type SparseSpace struct {
	regions []region
}

func NewSparseSpace() *SparseSpace {
	return &SparseSpace{}
}

// Map attaches data at addr. Overlapping an existing region is an error.
func (s *SparseSpace) Map(addr uint64, data []byte) error {
	if len(data) == 0 {
		return errors.New("empty mapping")
	}
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].addr+uint64(len(s.regions[i].data)) > addr
	})
	if i < len(s.regions) && s.regions[i].addr < addr+uint64(len(data)) {
		return fmt.Errorf("mapping %#x-%#x overlaps %#x", addr, addr+uint64(len(data)), s.regions[i].addr)
	}
	s.regions = append(s.regions, region{})
	copy(s.regions[i+1:], s.regions[i:])
	s.regions[i] = region{addr: addr, data: data}
	return nil
}

// Unmap removes the region starting exactly at addr.
func (s *SparseSpace) Unmap(addr uint64) error {
	for i := range s.regions {
		if s.regions[i].addr == addr {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return nil
		}
	}
	return errUnmapped
}

func (s *SparseSpace) find(addr uint64) *region {
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].addr+uint64(len(s.regions[i].data)) > addr
	})
	if i == len(s.regions) || s.regions[i].addr > addr {
		return nil
	}
	return &s.regions[i]
}

func (s *SparseSpace) ReadAt(p []byte, addr uint64) error {
	r := s.find(addr)
	if r == nil {
		return fmt.Errorf("read %#x: %w", addr, errUnmapped)
	}
	off := addr - r.addr
	if uint64(len(p)) > uint64(len(r.data))-off {
		return fmt.Errorf("read %#x+%d crosses end of region %#x", addr, len(p), r.addr)
	}
	copy(p, r.data[off:])
	return nil
}

func (s *SparseSpace) WriteAt(p []byte, addr uint64) error {
	r := s.find(addr)
	if r == nil {
		return fmt.Errorf("write %#x: %w", addr, errUnmapped)
	}
	off := addr - r.addr
	if uint64(len(p)) > uint64(len(r.data))-off {
		return fmt.Errorf("write %#x+%d crosses end of region %#x", addr, len(p), r.addr)
	}
	copy(r.data[off:], p)
	return nil
}

// readWord reads an unsigned integer of the given width (1, 2, 4 or 8 bytes).
func readWord(sp AddressSpace, addr uint64, width int, order binary.ByteOrder) (uint64, error) {
	var buf [8]byte
	if err := sp.ReadAt(buf[:width], addr); err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(order.Uint16(buf[:2])), nil
	case 4:
		return uint64(order.Uint32(buf[:4])), nil
	case 8:
		return order.Uint64(buf[:8]), nil
	}
	return 0, fmt.Errorf("bad word width %d", width)
}

func writeWord(sp AddressSpace, addr uint64, width int, order binary.ByteOrder, v uint64) error {
	var buf [8]byte
	switch width {
	case 1:
		buf[0] = byte(v)
	case 2:
		order.PutUint16(buf[:2], uint16(v))
	case 4:
		order.PutUint32(buf[:4], uint32(v))
	case 8:
		order.PutUint64(buf[:8], v)
	default:
		return fmt.Errorf("bad word width %d", width)
	}
	return sp.WriteAt(buf[:width], addr)
}

// readCString reads a NUL-terminated string, refusing to run past limit bytes.
func readCString(sp AddressSpace, addr uint64, limit int) (string, error) {
	var out []byte
	var b [1]byte
	for len(out) < limit {
		if err := sp.ReadAt(b[:], addr+uint64(len(out))); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return "", fmt.Errorf("unterminated string at %#x", addr)
}
