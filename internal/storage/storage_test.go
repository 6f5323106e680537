package storage_test

import (
	"errors"
	"testing"

	"pkt.systems/gridgate/internal/storage"
)

func TestNewTransientErrorWraps(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")
	wrapped := storage.NewTransientError(err)
	if !errors.Is(wrapped, err) {
		t.Fatal("wrapped error should contain original")
	}
	if !storage.IsTransient(wrapped) {
		t.Fatal("expected IsTransient to detect wrapped error")
	}
	if storage.IsTransient(err) {
		t.Fatal("plain error should not be transient")
	}
	if storage.NewTransientError(nil) != nil {
		t.Fatal("nil input should return nil")
	}
}

func TestCleanKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"data/abc", "data/abc", true},
		{"/data/abc/", "data/abc", true},
		{"", "", false},
		{"data/../etc", "", false},
		{"data//abc", "", false},
	}
	for _, tc := range cases {
		got, err := storage.CleanKey(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("CleanKey(%q) = %q, %v", tc.in, got, err)
		}
		if !tc.ok && !errors.Is(err, storage.ErrInvalidKey) {
			t.Fatalf("CleanKey(%q) expected ErrInvalidKey, got %v", tc.in, err)
		}
	}
}
