package identitymap

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// stringHeap is the append-only sidecar file holding full DIDs, used to
// disambiguate did_hash collisions. Records are length-prefixed UTF-8:
// a 2-byte little-endian length followed by the DID bytes. Reads use
// ReadAt at a known offset; writes always append. Both take mu, since
// Lookup reads the heap concurrently with Insert's appends.
type stringHeap struct {
	mu sync.Mutex
	f  *os.File
}

func openStringHeap(path string) (*stringHeap, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("identitymap: open string heap %s: %w", path, err)
	}
	return &stringHeap{f: f}, nil
}

// append writes did and returns its byte offset in the heap.
func (h *stringHeap) append(did string) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	off, err := h.f.Seek(0, os.SEEK_END)
	if err != nil {
		return 0, err
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(did)))
	w := bufio.NewWriter(h.f)
	if _, err := w.Write(lenBuf[:]); err != nil {
		return 0, err
	}
	if _, err := w.WriteString(did); err != nil {
		return 0, err
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	return uint64(off), nil
}

// readAt returns the DID stored at byte offset off.
func (h *stringHeap) readAt(off uint64) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var lenBuf [2]byte
	if _, err := h.f.ReadAt(lenBuf[:], int64(off)); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := h.f.ReadAt(buf, int64(off)+2); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (h *stringHeap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.f.Close()
}
