package index

import (
	"path/filepath"
	"testing"
)

func TestSeqIndexAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	si, err := OpenSeqIndex(filepath.Join(dir, "shard_0.seq"))
	if err != nil {
		t.Fatalf("OpenSeqIndex: %v", err)
	}
	defer si.Close()

	recs := []SeqRecord{
		{BinOff: 0, CLen: 100, InnerOff: 0, ILen: 40, PathHash: 0xAAAA},
		{BinOff: 0, CLen: 100, InnerOff: 40, ILen: 60, PathHash: 0xBBBB},
	}
	for i, r := range recs {
		idx, err := si.Append(r)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if idx != int64(i) {
			t.Fatalf("expected index %d, got %d", i, idx)
		}
	}
	for i, want := range recs {
		got, err := si.RecordAt(int64(i))
		if err != nil {
			t.Fatalf("RecordAt: %v", err)
		}
		if got != want {
			t.Fatalf("record %d mismatch: got %+v want %+v", i, got, want)
		}
	}
}

func TestSeqIndexTruncateUnsealedTail(t *testing.T) {
	dir := t.TempDir()
	si, err := OpenSeqIndex(filepath.Join(dir, "shard_0.seq"))
	if err != nil {
		t.Fatalf("OpenSeqIndex: %v", err)
	}
	defer si.Close()

	for i := 0; i < 5; i++ {
		if _, err := si.Append(SeqRecord{BinOff: uint64(i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := si.Truncate(3); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if si.Count() != 3 {
		t.Fatalf("expected count 3 after truncate, got %d", si.Count())
	}
}

func TestPHashIndexOverwriteKeepsLatest(t *testing.T) {
	dir := t.TempDir()
	ph, err := OpenPHashIndex(filepath.Join(dir, "shard_0.phash"), 1000)
	if err != nil {
		t.Fatalf("OpenPHashIndex: %v", err)
	}
	defer ph.Close()

	const pathHash = 0xDEADBEEF
	if err := ph.Put(pathHash, 1, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := ph.Put(pathHash, 2, 1024); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}

	seq, binOff, ok := ph.Get(pathHash)
	if !ok {
		t.Fatal("expected Get to find the path")
	}
	if seq != 2 || binOff != 1024 {
		t.Fatalf("expected latest record (seq=2, binOff=1024), got seq=%d binOff=%d", seq, binOff)
	}
}

func TestPHashIndexDelete(t *testing.T) {
	dir := t.TempDir()
	ph, err := OpenPHashIndex(filepath.Join(dir, "shard_0.phash"), 1000)
	if err != nil {
		t.Fatalf("OpenPHashIndex: %v", err)
	}
	defer ph.Close()

	const pathHash = 0x1234
	if err := ph.Put(pathHash, 7, 2048); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ph.Delete(pathHash)
	if _, _, ok := ph.Get(pathHash); ok {
		t.Fatal("expected deleted path to no longer be found")
	}
}
