package config

import "testing"

func TestValidateRejectsBadListenPort(t *testing.T) {
	c := Config{ListenPort: 0, ListenBacklog: 3, ProtocolVersion: "/x/"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for zero listen port")
	}
}

func TestValidateRejectsBadBacklog(t *testing.T) {
	c := Config{ListenPort: 8336, ListenBacklog: 0, ProtocolVersion: "/x/"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for zero backlog")
	}
}

func TestValidateRejectsEmptyVersion(t *testing.T) {
	c := Config{ListenPort: 8336, ListenBacklog: 3}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for empty protocol version")
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	c := Config{ListenPort: 8336, ListenBacklog: 3, ProtocolVersion: "/RelayNetworkServer:42/"}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestGetEnvIntFallsBackOnMissing(t *testing.T) {
	t.Setenv("RELAY_TEST_INT_UNSET", "")
	if v := getEnvInt("RELAY_TEST_INT_UNSET", 42); v != 42 {
		t.Fatalf("got %d, want 42", v)
	}
}

func TestGetEnvSliceSplitsCommaList(t *testing.T) {
	t.Setenv("RELAY_TEST_SLICE", "a, b ,c")
	got := getEnvSlice("RELAY_TEST_SLICE", nil)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("got %v", got)
	}
}
