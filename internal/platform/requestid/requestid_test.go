package requestid

import (
	"context"
	"encoding/hex"
	"testing"
)

func TestNew(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if len(id) != 32 {
		t.Fatalf("New() len=%d, want 32", len(id))
	}
	if _, err := hex.DecodeString(id); err != nil {
		t.Fatalf("New()=%q not hex: %v", id, err)
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("FromContext() on empty context reported ok")
	}
	ctx := WithID(context.Background(), "rid-1")
	got, ok := FromContext(ctx)
	if !ok || got != "rid-1" {
		t.Fatalf("FromContext()=%q,%v want rid-1,true", got, ok)
	}
}
