package retry_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pkt.systems/gridgate/internal/storage"
	"pkt.systems/gridgate/internal/storage/retry"
	"pkt.systems/pslog"
)

type fakeClock struct {
	waits []time.Duration
}

func (f *fakeClock) Now() time.Time { return time.Unix(0, 0) }

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.waits = append(f.waits, d)
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0).Add(d)
	return ch
}

type stubBackend struct {
	putErrs   []error
	putBodies []string
	getErrs   []error
	getCalls  int
}

func (s *stubBackend) GetObject(context.Context, string) (storage.GetObjectResult, error) {
	s.getCalls++
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		if err != nil {
			return storage.GetObjectResult{}, err
		}
	}
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(nil)), Info: &storage.ObjectInfo{}}, nil
}

func (s *stubBackend) PutObject(_ context.Context, key string, body io.Reader, _ storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	data, _ := io.ReadAll(body)
	s.putBodies = append(s.putBodies, string(data))
	if len(s.putErrs) > 0 {
		err := s.putErrs[0]
		s.putErrs = s.putErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *stubBackend) DeleteObject(context.Context, string, storage.DeleteObjectOptions) error {
	return nil
}

func (s *stubBackend) Close() error { return nil }

func TestRetryGetObjectBacksOff(t *testing.T) {
	stub := &stubBackend{getErrs: []error{
		storage.NewTransientError(errors.New("flaky")),
		storage.NewTransientError(errors.New("flaky")),
	}}
	clk := &fakeClock{}
	b := retry.Wrap(stub, pslog.NoopLogger(), clk, retry.Config{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 15 * time.Millisecond})
	if _, err := b.GetObject(context.Background(), "k"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if stub.getCalls != 3 {
		t.Fatalf("expected 3 calls, got %d", stub.getCalls)
	}
	if len(clk.waits) != 2 || clk.waits[0] != 10*time.Millisecond || clk.waits[1] != 15*time.Millisecond {
		t.Fatalf("unexpected waits %v", clk.waits)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("denied")
	stub := &stubBackend{getErrs: []error{permanent}}
	b := retry.Wrap(stub, nil, &fakeClock{}, retry.Config{MaxAttempts: 5})
	if _, err := b.GetObject(context.Background(), "k"); !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if stub.getCalls != 1 {
		t.Fatalf("expected single attempt, got %d", stub.getCalls)
	}
}

func TestRetryPutRewindsSeekableBody(t *testing.T) {
	stub := &stubBackend{putErrs: []error{storage.NewTransientError(errors.New("reset"))}}
	b := retry.Wrap(stub, nil, &fakeClock{}, retry.Config{MaxAttempts: 2})
	info, err := b.PutObject(context.Background(), "k", bytes.NewReader([]byte("payload")), storage.PutObjectOptions{Size: 7})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 7 {
		t.Fatalf("unexpected size %d", info.Size)
	}
	if len(stub.putBodies) != 2 || stub.putBodies[1] != "payload" {
		t.Fatalf("expected rewound body on retry, got %q", stub.putBodies)
	}
}

func TestRetryPutNonSeekableSingleAttempt(t *testing.T) {
	stub := &stubBackend{putErrs: []error{storage.NewTransientError(errors.New("reset"))}}
	b := retry.Wrap(stub, nil, &fakeClock{}, retry.Config{MaxAttempts: 3})
	if _, err := b.PutObject(context.Background(), "k", io.MultiReader(bytes.NewBufferString("x")), storage.PutObjectOptions{Size: -1}); err == nil {
		t.Fatal("expected error to surface without retry")
	}
	if len(stub.putBodies) != 1 {
		t.Fatalf("expected one attempt, got %d", len(stub.putBodies))
	}
}
