package executor

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"net/url"
	"testing"
	"time"

	"pkt.systems/gridgate/internal/clock"
	"pkt.systems/gridgate/internal/rpc"
	"pkt.systems/gridgate/internal/storage/memory"
	"pkt.systems/gridgate/internal/store"
	"pkt.systems/gridgate/internal/store/memstore"
	"pkt.systems/gridgate/internal/transfer"
	"pkt.systems/gridgate/internal/xmlwire"
)

var (
	alice = &store.Identity{ID: "alice-id", Login: "alice", Rights: store.RightsStandardUser}
	bob   = &store.Identity{ID: "bob-id", Login: "bob", Rights: store.RightsStandardUser}
	admin = &store.Identity{ID: "admin-id", Login: "admin", Rights: store.RightsAdministrator}
)

type fixture struct {
	meta  *memstore.Store
	blobs *memory.Store
	exec  *Reference
}

func newFixture() *fixture {
	meta := memstore.New()
	blobs := memory.New()
	return &fixture{meta: meta, blobs: blobs, exec: NewReference(meta, blobs, clock.NewManual(time.Unix(1700000000, 0)))}
}

func command(t *testing.T, kind rpc.Kind, path string, obj string, parameter string) *rpc.Command {
	t.Helper()
	var rec *xmlwire.Record
	if obj != "" {
		var err error
		if rec, err = xmlwire.DecodeRecord(obj); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	cmd := rpc.New(kind, &url.URL{Scheme: "https", Host: "grid:443", Path: path}, rpc.Caller{}, rec)
	if err := cmd.ApplyParameter(parameter); err != nil {
		t.Fatalf("parameter: %v", err)
	}
	return cmd
}

func (f *fixture) run(t *testing.T, who *store.Identity, cmd *rpc.Command) (any, error) {
	t.Helper()
	return f.exec.Execute(context.Background(), &Call{Command: cmd, Identity: who})
}

func failureCode(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

func TestSendGetChmodRemove(t *testing.T) {
	f := newFixture()
	out, err := f.run(t, alice, command(t, rpc.SendData, "", `<data uid="d1" name="in.bin" accessrights="0x700"/>`, ""))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	rec := out.(*xmlwire.Record)
	if rec.Get("owneruid") != alice.ID || rec.Get("status") != "PENDING" || rec.Get("accessrights") != "0x700" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, err := f.run(t, bob, command(t, rpc.GetData, "/d1", "", "")); failureCode(err) != CodeNotFound {
		t.Fatalf("bob should not see private data: %v", err)
	}
	if _, err := f.run(t, alice, command(t, rpc.Chmod, "/d1", "", "0x744")); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := f.run(t, bob, command(t, rpc.Get, "/d1", "", "")); err != nil {
		t.Fatalf("bob read after chmod: %v", err)
	}
	if _, err := f.run(t, bob, command(t, rpc.RemoveData, "/d1", "", "")); failureCode(err) != CodeForbidden {
		t.Fatalf("bob remove: %v", err)
	}
	if _, err := f.run(t, alice, command(t, rpc.Remove, "/d1", "", "")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := f.meta.Artifact(context.Background(), "d1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("artifact should be gone: %v", err)
	}
}

func TestUploadThenDownload(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	if _, err := f.run(t, alice, command(t, rpc.SendData, "", `<data uid="d2" name="x"/>`, "")); err != nil {
		t.Fatalf("send: %v", err)
	}
	payload := []byte("grid payload")
	sum := md5.Sum(payload)
	spool := transfer.NewSpool(1024)
	_, _ = spool.Write(payload)
	guard := transfer.NewGuard(f.meta, f.blobs, nil, nil)
	guard.Begin([]*transfer.Part{
		{Name: transfer.FieldDataFile, FileName: "x", File: spool},
		{Name: transfer.FieldDataSize, Value: "12"},
		{Name: transfer.FieldDataMD5Sum, Value: hex.EncodeToString(sum[:])},
	}, nil)
	out, err := f.exec.Execute(ctx, &Call{Command: command(t, rpc.UploadData, "/d2", "", ""), Identity: alice, Upload: guard})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if out.(xmlwire.Value).Value != "12" {
		t.Fatalf("upload result %+v", out)
	}
	var buf bytes.Buffer
	if _, err := f.exec.Execute(ctx, &Call{Command: command(t, rpc.DownloadData, "/d2", "", ""), Identity: alice, Raw: &buf}); err != nil {
		t.Fatalf("download: %v", err)
	}
	if buf.String() != "grid payload" {
		t.Fatalf("downloaded %q", buf.String())
	}
}

func TestDownloadPendingIsUnavailable(t *testing.T) {
	f := newFixture()
	_, _ = f.run(t, alice, command(t, rpc.SendData, "", `<data uid="d3"/>`, ""))
	_, err := f.exec.Execute(context.Background(), &Call{Command: command(t, rpc.DownloadData, "/d3", "", ""), Identity: alice, Raw: io.Discard})
	if failureCode(err) != CodeUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestHostLifecycle(t *testing.T) {
	f := newFixture()
	if _, err := f.run(t, alice, command(t, rpc.SendHost, "", `<host uid="h1" name="node"/>`, "")); err != nil {
		t.Fatalf("send host: %v", err)
	}
	if _, err := f.run(t, alice, command(t, rpc.ActivateHost, "/h1", "", "false")); failureCode(err) != CodeForbidden {
		t.Fatalf("standard user activate: %v", err)
	}
	out, err := f.run(t, admin, command(t, rpc.ActivateHost, "/h1", "", "FALSE"))
	if err != nil || out.(xmlwire.Value).Value != "false" {
		t.Fatalf("activate: %+v %v", out, err)
	}
	out, err = f.run(t, alice, command(t, rpc.WorkAlive, "", "", `<XMLHashtable SIZE="1"><XMLKey><XMLValue value="hostuid"/></XMLKey><XMLValue value="h1"/></XMLHashtable>`))
	if err != nil {
		t.Fatalf("alive: %v", err)
	}
	table := out.(xmlwire.Hashtable)
	if v, _ := table.Get("active"); v != "false" {
		t.Fatalf("alive answer %+v", table)
	}
	hosts, _ := f.run(t, alice, command(t, rpc.GetHosts, "", "", ""))
	if len(hosts.(xmlwire.Vector)) != 1 {
		t.Fatalf("hosts %+v", hosts)
	}
}

func TestUnsupportedAndEnvelope(t *testing.T) {
	f := newFixture()
	_, err := f.run(t, alice, command(t, rpc.SendWork, "", `<work uid="w1"/>`, ""))
	if failureCode(err) != CodeUnsupported {
		t.Fatalf("expected unsupported, got %v", err)
	}
	if got := Envelope(err); got.Code != CodeUnsupported {
		t.Fatalf("envelope %+v", got)
	}
	if got := Envelope(transfer.ErrChecksumMismatch); got.Code != CodeIntegrity {
		t.Fatalf("envelope %+v", got)
	}
	if got := Envelope(errors.New("boom")); got.Code != CodeInternal {
		t.Fatalf("envelope %+v", got)
	}
}
