package values

import (
	"fmt"
	"sort"
	"sync"
)

// Regions is a sparse memory made of disjoint readable regions. Reads and
// writes that run off the end of a region stop there.
type Regions struct {
	mu      sync.Mutex
	regions []region
}

type region struct {
	addr uint64
	data []byte
}

func (r *region) end() uint64 { return r.addr + uint64(len(r.data)) }

// Map adds a region of size bytes at addr, initialized from data.
func (m *Regions) Map(addr uint64, size int, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, size)
	copy(buf, data)
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].addr > addr })
	m.regions = append(m.regions, region{})
	copy(m.regions[i+1:], m.regions[i:])
	m.regions[i] = region{addr: addr, data: buf}
}

func (m *Regions) find(addr uint64) *region {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].addr > addr })
	if i > 0 && addr < m.regions[i-1].end() {
		return &m.regions[i-1]
	}
	return nil
}

func (m *Regions) ReadMemory(addr uint64, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.find(addr)
	if r == nil {
		return 0, fmt.Errorf("memory read failed for 0x%x", addr)
	}
	return copy(buf, r.data[addr-r.addr:]), nil
}

func (m *Regions) WriteMemory(addr uint64, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.find(addr)
	if r == nil {
		return 0, fmt.Errorf("memory write failed for 0x%x", addr)
	}
	n := copy(r.data[addr-r.addr:], data)
	if n < len(data) {
		return n, fmt.Errorf("memory write failed for 0x%x", r.end())
	}
	return n, nil
}

// PutUint stores the size byte little endian representation of n at addr.
func (m *Regions) PutUint(addr uint64, size int, n uint64) {
	buf := make([]byte, size)
	putUint(buf, n)
	m.WriteMemory(addr, buf)
}
