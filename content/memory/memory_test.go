package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/jmcleod/medseal/content"
)

func TestMemoryStore(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	res, err := s.PinJSON(ctx, "payload", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("PinJSON failed: %v", err)
	}
	if res.PinSize != 7 {
		t.Errorf("expected pin size 7, got %d", res.PinSize)
	}

	again, _ := s.PinJSON(ctx, "payload", []byte(`{"a":1}`))
	if again.CID != res.CID {
		t.Errorf("expected identical content to share a CID")
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 item, got %d", s.Len())
	}

	got, err := s.Fetch(ctx, res.CID)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	got[0] = 'X'
	again2, _ := s.Fetch(ctx, res.CID)
	if again2[0] != '{' {
		t.Error("Fetch should return a copy")
	}

	if _, err := s.Fetch(ctx, "nope"); !errors.Is(err, content.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
