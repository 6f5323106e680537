// Package rpc defines the dispatcher's command catalogue and the typed command
// built for each call.
package rpc

import (
	"strings"
)

// Kind names a remote call. Kinds appear upper-cased as the first URL path
// segment.
type Kind string

// Known kinds.
const (
	Version        Kind = "VERSION"
	Ping           Kind = "PING"
	Get            Kind = "GET"
	Remove         Kind = "REMOVE"
	Chmod          Kind = "CHMOD"
	SendData       Kind = "SENDDATA"
	GetData        Kind = "GETDATA"
	GetDatas       Kind = "GETDATAS"
	UploadData     Kind = "UPLOADDATA"
	DownloadData   Kind = "DOWNLOADDATA"
	RemoveData     Kind = "REMOVEDATA"
	SendApp        Kind = "SENDAPP"
	GetApps        Kind = "GETAPPS"
	SendWork       Kind = "SENDWORK"
	GetWorks       Kind = "GETWORKS"
	SendHost       Kind = "SENDHOST"
	GetHosts       Kind = "GETHOSTS"
	ActivateHost   Kind = "ACTIVATEHOST"
	SendUser       Kind = "SENDUSER"
	GetUser        Kind = "GETUSER"
	GetUserByLogin Kind = "GETUSERBYLOGIN"
	WorkRequest    Kind = "WORKREQUEST"
	WorkAlive      Kind = "WORKALIVE"
)

// Overlay applies the raw PARAMETER field to a command under construction.
type Overlay func(cmd *Command, raw string) error

// Spec describes how a kind is routed and rendered.
type Spec struct {
	Kind Kind
	Help string
	// Overlay interprets PARAMETER; nil ignores it.
	Overlay Overlay
	// Download marks kinds that stream raw bytes instead of an envelope.
	Download bool
	// Upload marks kinds that consume the channel's staged transfer.
	Upload bool
}

var catalogue = []Spec{
	{Kind: Version, Help: "returns the dispatcher version"},
	{Kind: Ping, Help: "checks connectivity"},
	{Kind: Get, Help: "/uid : returns the object identified by uid"},
	{Kind: Remove, Help: "/uid : removes the object identified by uid"},
	{Kind: Chmod, Help: "/uid?PARAMETER=0x755 : changes access rights of the object identified by uid", Overlay: overlayModifier},
	{Kind: SendData, Help: "?XMLDESC=<data .../> : registers or updates a data artifact"},
	{Kind: GetData, Help: "/uid : returns the data artifact identified by uid"},
	{Kind: GetDatas, Help: "returns the data artifacts readable by the caller"},
	{Kind: UploadData, Help: "/uid : uploads content (multipart DATAFILE, DATASIZE, DATAMD5SUM)", Upload: true},
	{Kind: DownloadData, Help: "/uid : downloads content of the data artifact identified by uid", Download: true},
	{Kind: RemoveData, Help: "/uid : removes the data artifact identified by uid"},
	{Kind: SendApp, Help: "?XMLDESC=<app .../> : registers or updates an application"},
	{Kind: GetApps, Help: "returns the registered applications"},
	{Kind: SendWork, Help: "?XMLDESC=<work .../> : submits a work unit"},
	{Kind: GetWorks, Help: "returns the caller's work units"},
	{Kind: SendHost, Help: "?XMLDESC=<host .../> : registers or updates a worker host"},
	{Kind: GetHosts, Help: "returns the registered worker hosts"},
	{Kind: ActivateHost, Help: "/uid?PARAMETER=true|false : activates or deactivates a worker host", Overlay: overlayActivation},
	{Kind: SendUser, Help: "?XMLDESC=<user .../> : registers or updates a user"},
	{Kind: GetUser, Help: "/uid : returns the user identified by uid"},
	{Kind: GetUserByLogin, Help: "/login : returns the user identified by login"},
	{Kind: WorkRequest, Help: "?XMLDESC=<host .../> : asks for a work unit to compute"},
	{Kind: WorkAlive, Help: "?PARAMETER=<XMLHashtable .../> : worker heartbeat", Overlay: overlayAlive},
}

var byKind = func() map[Kind]Spec {
	m := make(map[Kind]Spec, len(catalogue))
	for _, s := range catalogue {
		m[s.Kind] = s
	}
	return m
}()

// Lookup resolves a path segment to its spec, ignoring case.
func Lookup(segment string) (Spec, bool) {
	spec, ok := byKind[Kind(strings.ToUpper(strings.TrimSpace(segment)))]
	return spec, ok
}

// Catalogue returns every known kind in listing order.
func Catalogue() []Spec {
	out := make([]Spec, len(catalogue))
	copy(out, catalogue)
	return out
}

// String returns the wire name.
func (k Kind) String() string { return string(k) }

// IsDownload reports whether k streams raw content.
func (k Kind) IsDownload() bool { return byKind[k].Download }
