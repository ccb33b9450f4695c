package disasm

import "sort"

// MemoryReader reads debuggee memory.
type MemoryReader interface {
	ReadMemory(addr uint64, buf []byte) (int, error)
}

// ReadMemory reads count bytes at start. When the straight read fails it
// looks for the first readable address in the window and reads from
// there, so the result may start later than start and may be short or
// empty.
func ReadMemory(mem MemoryReader, start uint64, count int) (uint64, []byte) {
	if count <= 0 {
		return start, nil
	}
	buf := make([]byte, count)
	n, err := mem.ReadMemory(start, buf)
	if err == nil && n == count {
		return start, buf
	}
	if n > 0 {
		// a short read: everything from start is readable up to n
		return start, buf[:n]
	}

	var b [1]byte
	readable := func(addr uint64) bool {
		n, err := mem.ReadMemory(addr, b[:])
		return err == nil && n == 1
	}

	if readable(start) {
		// unreadable tail: keep the readable prefix
		end := start + uint64(sort.Search(count, func(i int) bool { return !readable(start + uint64(i)) }))
		n, _ = mem.ReadMemory(start, buf[:end-start])
		return start, buf[:n]
	}
	if !readable(start + uint64(count) - 1) {
		return start + uint64(count), nil
	}
	// unreadable head: find where the readable part begins
	first := start + uint64(sort.Search(count, func(i int) bool { return readable(start + uint64(i)) }))
	buf = buf[:count-int(first-start)]
	n, _ = mem.ReadMemory(first, buf)
	return first, buf[:n]
}
