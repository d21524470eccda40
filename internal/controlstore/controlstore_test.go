package controlstore

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueueAndListRefreshRequests(t *testing.T) {
	s := openTestStore(t)

	req := RefreshRequest{DID: "did:plc:alice", Reason: "identity cache miss", RequestedAt: time.Now()}
	if err := s.EnqueueRefresh(req); err != nil {
		t.Fatalf("EnqueueRefresh: %v", err)
	}

	got, err := s.ListRefreshRequests()
	if err != nil {
		t.Fatalf("ListRefreshRequests: %v", err)
	}
	if len(got) != 1 || got[0].DID != req.DID {
		t.Fatalf("expected 1 request for %s, got %+v", req.DID, got)
	}

	if err := s.ClearRefreshRequest(req.DID); err != nil {
		t.Fatalf("ClearRefreshRequest: %v", err)
	}
	got, err = s.ListRefreshRequests()
	if err != nil {
		t.Fatalf("ListRefreshRequests after clear: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected 0 requests after clear, got %d", len(got))
	}
}

func TestShardStatusRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, found, err := s.GetShardStatus(3); err != nil {
		t.Fatalf("GetShardStatus: %v", err)
	} else if found {
		t.Fatal("expected no status recorded yet")
	}

	status := ShardStatus{Shard: 3, ReadOnly: true, LastError: "disk full"}
	if err := s.SetShardStatus(status); err != nil {
		t.Fatalf("SetShardStatus: %v", err)
	}

	got, found, err := s.GetShardStatus(3)
	if err != nil {
		t.Fatalf("GetShardStatus: %v", err)
	}
	if !found {
		t.Fatal("expected status to be found")
	}
	if !got.ReadOnly || got.LastError != "disk full" {
		t.Fatalf("unexpected status: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("expected UpdatedAt to be stamped")
	}
}
