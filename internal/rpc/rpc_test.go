package rpc

import (
	"net/url"
	"testing"

	"pkt.systems/gridgate/internal/xmlwire"
)

func TestLookupIgnoresCase(t *testing.T) {
	spec, ok := Lookup("downloaddata")
	if !ok || spec.Kind != DownloadData || !spec.Download {
		t.Fatalf("unexpected spec %+v %v", spec, ok)
	}
	if _, ok := Lookup("unknownkind"); ok {
		t.Fatal("unexpected match")
	}
	if len(Catalogue()) == 0 || !DownloadData.IsDownload() || Get.IsDownload() {
		t.Fatal("catalogue flags broken")
	}
}

func TestApplyParameterOverlays(t *testing.T) {
	uri, _ := url.Parse("https://dispatcher:4330/chmod/abc")
	cmd := New(Chmod, uri, Caller{}, nil)
	if err := cmd.ApplyParameter("0x750"); err != nil {
		t.Fatalf("chmod overlay: %v", err)
	}
	if cmd.Modifier == nil || *cmd.Modifier != 0x750 || cmd.Modifier.String() != "0x750" {
		t.Fatalf("unexpected modifier %v", cmd.Modifier)
	}
	if err := New(Chmod, uri, Caller{}, nil).ApplyParameter("rwx"); err == nil {
		t.Fatal("expected invalid rights error")
	}

	act := New(ActivateHost, uri, Caller{}, nil)
	if err := act.ApplyParameter("TRUE"); err != nil || act.Activation == nil || !*act.Activation {
		t.Fatalf("activation true: %v %v", err, act.Activation)
	}
	act = New(ActivateHost, uri, Caller{}, nil)
	if err := act.ApplyParameter("yes"); err != nil || act.Activation == nil || *act.Activation {
		t.Fatalf("activation falls back to false: %v %v", err, act.Activation)
	}

	alive := New(WorkAlive, uri, Caller{}, nil)
	raw := `<XMLHashtable SIZE="1"><XMLKey><XMLValue value="hostuid"/></XMLKey><XMLValue value="h1"/></XMLHashtable>`
	if err := alive.ApplyParameter(raw); err != nil {
		t.Fatalf("alive overlay: %v", err)
	}
	if v, ok := alive.Alive.Get("hostuid"); !ok || v != "h1" {
		t.Fatalf("unexpected heartbeat %+v", alive.Alive)
	}

	other := New(Version, uri, Caller{}, nil)
	if err := other.ApplyParameter("anything"); err != nil || other.Parameter != "anything" {
		t.Fatalf("non-overlay kinds keep raw parameter: %v", err)
	}
}

func TestNewClonesObjectAndTargetUID(t *testing.T) {
	obj := xmlwire.NewRecord(xmlwire.TypeData)
	obj.Set("uid", "u1")
	uri, _ := url.Parse("https://h:1/getdata/u1/")
	cmd := New(GetData, uri, Caller{Login: "bob"}, obj)
	obj.Set("uid", "changed")
	if cmd.Object.UID() != "u1" {
		t.Fatal("command object must be a copy")
	}
	if cmd.TargetUID() != "u1" {
		t.Fatalf("unexpected target %q", cmd.TargetUID())
	}
	cmd.BindCaller(Caller{ID: "id-1", Login: "alice"})
	if cmd.Caller.Login != "alice" {
		t.Fatal("caller not bound")
	}
}

func TestParseAccessRights(t *testing.T) {
	cases := map[string]AccessRights{"0x755": 0x755, "0755": 0o755, "1877": 1877}
	for in, want := range cases {
		got, err := ParseAccessRights(in)
		if err != nil || got != want {
			t.Fatalf("ParseAccessRights(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseAccessRights("0x10000"); err == nil {
		t.Fatal("expected range error")
	}
}
