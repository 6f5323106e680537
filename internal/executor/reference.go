package executor

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/gridgate/internal/clock"
	"pkt.systems/gridgate/internal/loggingutil"
	"pkt.systems/gridgate/internal/rpc"
	"pkt.systems/gridgate/internal/storage"
	"pkt.systems/gridgate/internal/store"
	"pkt.systems/gridgate/internal/transfer"
	"pkt.systems/gridgate/internal/version"
	"pkt.systems/gridgate/internal/xmlwire"
)

// AlivePeriod is the heartbeat interval advertised to workers.
const AlivePeriod = 5 * time.Minute

// Reference implements the data and host commands on top of the stores.
type Reference struct {
	artifacts store.Artifacts
	blobs     storage.Backend
	clk       clock.Clock

	mu    sync.Mutex
	hosts map[string]*host
}

type host struct {
	record   *xmlwire.Record
	ownerID  string
	active   bool
	lastSeen time.Time
	alive    map[string]string
}

// NewReference returns a Reference executor.
func NewReference(artifacts store.Artifacts, blobs storage.Backend, clk clock.Clock) *Reference {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Reference{artifacts: artifacts, blobs: blobs, clk: clk, hosts: make(map[string]*host)}
}

// Execute dispatches on the command kind.
func (r *Reference) Execute(ctx context.Context, call *Call) (any, error) {
	cmd := call.Command
	switch cmd.Kind {
	case rpc.Version:
		return xmlwire.String(version.Current()), nil
	case rpc.Ping:
		return nil, nil
	case rpc.Get, rpc.GetData:
		return r.getData(ctx, call)
	case rpc.GetDatas:
		return r.listData(ctx, call)
	case rpc.SendData:
		return r.sendData(ctx, call)
	case rpc.UploadData:
		return r.upload(ctx, call)
	case rpc.DownloadData:
		return nil, r.download(ctx, call)
	case rpc.Remove, rpc.RemoveData:
		return nil, r.remove(ctx, call)
	case rpc.Chmod:
		return r.chmod(ctx, call)
	case rpc.SendHost:
		return r.sendHost(call)
	case rpc.GetHosts:
		return r.listHosts(), nil
	case rpc.ActivateHost:
		return r.activateHost(call)
	case rpc.WorkAlive:
		return r.workAlive(call)
	default:
		return nil, fail(CodeUnsupported, "%s is not served by this dispatcher", cmd.Kind)
	}
}

func targetUID(cmd *rpc.Command) string {
	if uid := cmd.TargetUID(); uid != "" {
		return uid
	}
	return cmd.Object.UID()
}

func (r *Reference) readable(ctx context.Context, call *Call) (*store.Artifact, error) {
	uid := targetUID(call.Command)
	if uid == "" {
		return nil, fail(CodeInvalid, "no uid")
	}
	a, err := r.artifacts.Artifact(ctx, uid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fail(CodeNotFound, "%s", uid)
		}
		return nil, err
	}
	if !a.CanRead(call.Identity) {
		return nil, fail(CodeNotFound, "%s", uid)
	}
	return a, nil
}

func (r *Reference) writable(ctx context.Context, call *Call) (*store.Artifact, error) {
	a, err := r.readable(ctx, call)
	if err != nil {
		return nil, err
	}
	if !a.CanWrite(call.Identity) {
		return nil, fail(CodeForbidden, "%s", a.ID)
	}
	return a, nil
}

func (r *Reference) getData(ctx context.Context, call *Call) (any, error) {
	a, err := r.readable(ctx, call)
	if err != nil {
		return nil, err
	}
	return ArtifactRecord(a), nil
}

func (r *Reference) listData(ctx context.Context, call *Call) (any, error) {
	all, err := r.artifacts.ListArtifacts(ctx, "")
	if err != nil {
		return nil, err
	}
	out := xmlwire.Vector{}
	for _, a := range all {
		if a.CanRead(call.Identity) {
			out = append(out, xmlwire.String(a.ID))
		}
	}
	return out, nil
}

func (r *Reference) sendData(ctx context.Context, call *Call) (any, error) {
	obj := call.Command.Object
	if obj == nil || obj.Type != xmlwire.TypeData {
		return nil, fail(CodeInvalid, "SENDDATA expects a data description")
	}
	uid := obj.UID()
	existing, err := r.artifacts.Artifact(ctx, uid)
	switch {
	case err == nil:
		if !existing.CanWrite(call.Identity) {
			return nil, fail(CodeForbidden, "%s", uid)
		}
	case errors.Is(err, store.ErrNotFound):
		existing = &store.Artifact{
			ID:           uid,
			OwnerID:      call.Identity.ID,
			Size:         -1,
			Status:       store.StatusPending,
			Path:         transfer.BlobKey(uid),
			AccessRights: uint32(rpc.DefaultAccessRights),
		}
	default:
		return nil, err
	}
	if v := obj.Get("name"); v != "" {
		existing.Name = v
	}
	if v := obj.Get("type"); v != "" {
		existing.Type = v
	}
	if v := obj.Get("accessrights"); v != "" {
		rights, err := rpc.ParseAccessRights(v)
		if err != nil {
			return nil, fail(CodeInvalid, "%v", err)
		}
		existing.AccessRights = uint32(rights)
	}
	existing.ModifiedAt = r.clk.Now()
	if err := r.artifacts.PutArtifact(ctx, existing); err != nil {
		return nil, err
	}
	return ArtifactRecord(existing), nil
}

func (r *Reference) upload(ctx context.Context, call *Call) (any, error) {
	if call.Upload == nil {
		return nil, fail(CodeInvalid, "no upload staged")
	}
	uid := call.Command.TargetUID()
	if uid == "" {
		uid = call.Upload.Snapshot().ArtifactID
	}
	if uid == "" {
		call.Upload.Reset()
		return nil, fail(CodeInvalid, "no uid")
	}
	size, err := call.Upload.Commit(ctx, call.Identity, uid)
	if err != nil {
		return nil, err
	}
	return xmlwire.Int64(size), nil
}

func (r *Reference) download(ctx context.Context, call *Call) error {
	a, err := r.readable(ctx, call)
	if err != nil {
		return err
	}
	if a.Status != store.StatusAvailable {
		return fail(CodeUnavailable, "%s is %s", a.ID, a.Status)
	}
	if call.Raw == nil {
		return fail(CodeInternal, "no download sink")
	}
	res, err := r.blobs.GetObject(ctx, blobKey(a))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fail(CodeUnavailable, "%s has no content", a.ID)
		}
		return err
	}
	defer res.Reader.Close()
	n, err := io.Copy(call.Raw, res.Reader)
	loggingutil.FromContext(ctx).Debug("executor.download.streamed", "artifact_id", a.ID, "bytes", n, "error", err)
	return err
}

func (r *Reference) remove(ctx context.Context, call *Call) error {
	a, err := r.writable(ctx, call)
	if err != nil {
		return err
	}
	if err := r.blobs.DeleteObject(ctx, blobKey(a), storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		return err
	}
	return r.artifacts.DeleteArtifact(ctx, a.ID)
}

func (r *Reference) chmod(ctx context.Context, call *Call) (any, error) {
	if call.Command.Modifier == nil {
		return nil, fail(CodeInvalid, "CHMOD requires PARAMETER")
	}
	a, err := r.writable(ctx, call)
	if err != nil {
		return nil, err
	}
	a.AccessRights = uint32(*call.Command.Modifier)
	a.ModifiedAt = r.clk.Now()
	if err := r.artifacts.PutArtifact(ctx, a); err != nil {
		return nil, err
	}
	return ArtifactRecord(a), nil
}

func (r *Reference) sendHost(call *Call) (any, error) {
	obj := call.Command.Object
	if obj == nil || obj.Type != xmlwire.TypeHost {
		return nil, fail(CodeInvalid, "SENDHOST expects a host description")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[obj.UID()]
	if ok && h.ownerID != call.Identity.ID && !call.Identity.Rights.AtLeast(store.RightsSuperUser) {
		return nil, fail(CodeForbidden, "%s", obj.UID())
	}
	if !ok {
		h = &host{ownerID: call.Identity.ID, active: true}
		r.hosts[obj.UID()] = h
	}
	h.record = obj.Clone()
	h.lastSeen = r.clk.Now()
	return h.record, nil
}

func (r *Reference) listHosts() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.hosts))
	for id := range r.hosts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := xmlwire.Vector{}
	for _, id := range ids {
		out = append(out, xmlwire.String(id))
	}
	return out
}

func (r *Reference) activateHost(call *Call) (any, error) {
	if !call.Identity.Rights.AtLeast(store.RightsSuperUser) {
		return nil, fail(CodeForbidden, "ACTIVATEHOST requires super user rights")
	}
	if call.Command.Activation == nil {
		return nil, fail(CodeInvalid, "ACTIVATEHOST requires PARAMETER")
	}
	uid := targetUID(call.Command)
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[uid]
	if !ok {
		return nil, fail(CodeNotFound, "%s", uid)
	}
	h.active = *call.Command.Activation
	return xmlwire.String(strconv.FormatBool(h.active)), nil
}

func (r *Reference) workAlive(call *Call) (any, error) {
	uid := targetUID(call.Command)
	if uid == "" {
		if v, ok := call.Command.Alive.Get("hostuid"); ok {
			uid = v
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[uid]
	if !ok {
		return nil, fail(CodeNotFound, "host %q", uid)
	}
	h.lastSeen = r.clk.Now()
	h.alive = call.Command.Alive.Map()
	return xmlwire.Hashtable{
		{Key: "alivePeriod", Value: strconv.Itoa(int(AlivePeriod / time.Second))},
		{Key: "active", Value: strconv.FormatBool(h.active)},
		{Key: "currentVersion", Value: version.Current()},
	}, nil
}

func blobKey(a *store.Artifact) string {
	if a.Path != "" {
		return a.Path
	}
	return transfer.BlobKey(a.ID)
}

// ArtifactRecord renders a as a data record.
func ArtifactRecord(a *store.Artifact) *xmlwire.Record {
	rec := xmlwire.NewRecord(xmlwire.TypeData)
	rec.Set("uid", a.ID)
	rec.Set("owneruid", a.OwnerID)
	rec.Set("name", a.Name)
	rec.Set("type", a.Type)
	rec.Set("size", strconv.FormatInt(a.Size, 10))
	rec.Set("md5", a.Checksum)
	rec.Set("status", strings.ToUpper(string(a.Status)))
	rec.Set("accessrights", rpc.AccessRights(a.AccessRights).String())
	if !a.ModifiedAt.IsZero() {
		rec.Set("mtime", a.ModifiedAt.UTC().Format(time.RFC3339))
	}
	return rec
}
