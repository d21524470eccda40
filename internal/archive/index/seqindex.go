package index

import (
	"fmt"
	"os"
)

// SeqIndex is the dense per-shard sequence index: record_at(i) is an O(1)
// file read at i*SeqRecordSize.
type SeqIndex struct {
	f     *os.File
	count int64 // number of records currently appended
}

// OpenSeqIndex opens (creating if absent) the sequence index at path and
// determines the current record count from the file size. Discarding an
// unsealed tail is the caller's job: archive.OpenShardWriter truncates the
// index back to the count in the shard's committed marker.
func OpenSeqIndex(path string) (*SeqIndex, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("index: open seq index %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &SeqIndex{f: f, count: fi.Size() / SeqRecordSize}, nil
}

// Append writes rec as the next dense record and returns its index.
func (s *SeqIndex) Append(rec SeqRecord) (int64, error) {
	buf := rec.encode()
	off := s.count * SeqRecordSize
	if _, err := s.f.WriteAt(buf[:], off); err != nil {
		return 0, err
	}
	idx := s.count
	s.count++
	return idx, nil
}

// RecordAt reads the record at dense index i.
func (s *SeqIndex) RecordAt(i int64) (SeqRecord, error) {
	var buf [SeqRecordSize]byte
	if _, err := s.f.ReadAt(buf[:], i*SeqRecordSize); err != nil {
		return SeqRecord{}, err
	}
	return decodeSeqRecord(buf[:]), nil
}

// Count returns the number of records currently appended.
func (s *SeqIndex) Count() int64 { return s.count }

// Truncate drops every record from index i onward, used during crash
// recovery to discard an unsealed tail.
func (s *SeqIndex) Truncate(i int64) error {
	if err := s.f.Truncate(i * SeqRecordSize); err != nil {
		return err
	}
	s.count = i
	return nil
}

// Sync fsyncs the index file (issued at segment seal, per spec).
func (s *SeqIndex) Sync() error { return s.f.Sync() }

// Close closes the underlying file.
func (s *SeqIndex) Close() error { return s.f.Close() }
