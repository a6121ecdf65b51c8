package badger

import (
	"context"
	"errors"
	"testing"

	"github.com/jmcleod/medseal/content"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	if err != nil {
		t.Fatalf("could not open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	payload := []byte(`{"schema":"medical-record-payload@2"}`)

	var jsonCID string
	t.Run("PinFetch", func(t *testing.T) {
		res, err := s.PinJSON(ctx, "medical-payload-1", payload)
		if err != nil {
			t.Fatalf("PinJSON failed: %v", err)
		}
		jsonCID = res.CID
		expected, _ := content.ComputeCID(payload)
		if res.CID != expected {
			t.Errorf("expected CID %s, got %s", expected, res.CID)
		}

		got, err := s.Fetch(ctx, res.CID)
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if string(got) != string(payload) {
			t.Errorf("unexpected content %q", got)
		}
	})

	t.Run("List", func(t *testing.T) {
		if _, err := s.PinFile(ctx, "scan.png", []byte("png")); err != nil {
			t.Fatalf("PinFile failed: %v", err)
		}
		all, err := s.List("")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(all) != 2 {
			t.Errorf("expected 2 ids, got %d", len(all))
		}
		docs, _ := s.List("json")
		if len(docs) != 1 || docs[0] != jsonCID {
			t.Errorf("expected [%s], got %v", jsonCID, docs)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := s.Fetch(ctx, "missing"); !errors.Is(err, content.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("CanceledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := s.PinJSON(cctx, "x", payload); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestBadgerStoreReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	res, err := s.PinFile(context.Background(), "scan.png", []byte("png"))
	if err != nil {
		t.Fatalf("PinFile failed: %v", err)
	}
	s.Close()

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	got, err := s.Fetch(context.Background(), res.CID)
	if err != nil || string(got) != "png" {
		t.Errorf("expected persisted blob, got %q, %v", got, err)
	}
}
