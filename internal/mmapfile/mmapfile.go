// Package mmapfile provides a small, shared memory-mapped-file primitive
// used by every on-disk fixed-layout structure in this repository (the
// Identity Map, the Tombstone Lattice, and the per-shard path-hash index
// files).
// Grounded on the open-file-then-mmap-header pattern common across the
// example pack's embedded-storage components, built directly on
// golang.org/x/sys/unix since that syscall layer is already present
// transitively in the module's dependency graph.
//
// © 2025 firehose authors. MIT License.
package mmapfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File owns a memory-mapped, read-write file of a fixed size.
type File struct {
	f    *os.File
	Data []byte
}

// Open opens path (creating it at size bytes if absent) and maps it
// read-write. If the file exists but is smaller than size, it is grown
// with Truncate before mapping. The mapping is always exactly `size`
// bytes, since every caller in this repo uses a fixed, precomputed size.
func Open(path string, size int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmapfile: stat %s: %w", path, err)
	}
	if fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("mmapfile: truncate %s: %w", path, err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmapfile: mmap %s: %w", path, err)
	}
	return &File{f: f, Data: data}, nil
}

// Sync flushes dirty pages to disk synchronously.
func (m *File) Sync() error {
	return unix.Msync(m.Data, unix.MS_SYNC)
}

// Close unmaps and closes the underlying file.
func (m *File) Close() error {
	err := unix.Munmap(m.Data)
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}
