package xid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewIsPrefixedUUID(t *testing.T) {
	id := New("so")
	if !strings.HasPrefix(id, "so-") {
		t.Fatalf("expected so- prefix, got %s", id)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(id, "so-")); err != nil {
		t.Fatalf("expected uuid suffix: %v", err)
	}
	if New("so") == id {
		t.Fatalf("expected unique ids")
	}
}
