package state

import (
	"testing"

	"github.com/nats-io/nats.go"
)

func TestExtractKVKeyFromSubject(t *testing.T) {
	t.Parallel()

	key := extractKVKeyFromSubject("recheck", "$KV.recheck.0b6f-42")
	if key != "0b6f-42" {
		t.Fatalf("unexpected key %q", key)
	}
	if out := extractKVKeyFromSubject("recheck", "$KV.other.0b6f-42"); out != "" {
		t.Fatalf("expected empty key, got %q", out)
	}
}

func TestExpiryMarkerIgnoresExplicitDeletes(t *testing.T) {
	t.Parallel()

	if !expiryMarker(nats.Header{"Nats-Marker-Reason": []string{"MaxAge"}}) {
		t.Fatalf("expected ttl marker")
	}
	if expiryMarker(nats.Header{"KV-Operation": []string{"DEL"}}) {
		t.Fatalf("explicit delete must not fire recheck")
	}
}
