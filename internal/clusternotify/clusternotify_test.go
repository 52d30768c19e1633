package clusternotify

import "testing"

func TestSplitPayload(t *testing.T) {
	hash, source, ok := splitPayload("00112233|TRUSTEDP2P")
	if !ok || hash != "00112233" || source != "TRUSTEDP2P" {
		t.Fatalf("got %q %q %v", hash, source, ok)
	}
}

func TestSplitPayloadMissingSeparator(t *testing.T) {
	_, _, ok := splitPayload("nodash")
	if ok {
		t.Fatal("expected ok=false for payload with no separator")
	}
}
