package log

import "testing"

func TestHex(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0x0"},
		{0x1000, "0x1000"},
		{0xdeadbeef, "0xdeadbeef"},
		{0xffffffffffffffff, "0xffffffffffffffff"},
	}
	for _, tt := range tests {
		if got := Hex(tt.in); got != tt.want {
			t.Errorf("Hex(%#x) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConsoleForwardsToCallback(t *testing.T) {
	l := NewNop()
	var got []string
	l.SetOnLog(func(msg string) { got = append(got, msg) })

	l.Console("mapped 4096 at 0x1000")
	l.WithComponent("paging").Console("second")

	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0] != "mapped 4096 at 0x1000" || got[1] != "second" {
		t.Errorf("unexpected messages: %v", got)
	}
}

func TestGetWithoutInit(t *testing.T) {
	if Get() == nil {
		t.Fatal("Get returned nil")
	}
}
