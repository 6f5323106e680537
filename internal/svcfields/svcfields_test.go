package svcfields

import "testing"

func TestSubsystem(t *testing.T) {
	if got := Subsystem("server", "", ".http."); got != "server.http" {
		t.Fatalf("unexpected subsystem %q", got)
	}
	if Subsystem() != "" {
		t.Fatal("expected empty subsystem")
	}
	if WithSubsystem(nil, "x") == nil {
		t.Fatal("expected logger")
	}
}
