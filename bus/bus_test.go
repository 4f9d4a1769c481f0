package bus

import "testing"

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New("not-a-url"); err == nil {
		t.Fatal("expected error for malformed redis URL")
	}
}

func TestListNames(t *testing.T) {
	if got := processingList("db"); got != "db:processing" {
		t.Errorf("processing list: %q", got)
	}
	if got := deadList("db"); got != "db:dead" {
		t.Errorf("dead list: %q", got)
	}
}
