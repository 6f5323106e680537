package rpc

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"pkt.systems/gridgate/internal/xmlwire"
)

// Caller is the resolved identity bound into every command.
type Caller struct {
	ID       string
	Login    string
	Password string
	Email    string
}

// Command is a fully decoded call, immutable once built.
type Command struct {
	Kind   Kind
	URI    *url.URL
	Object *xmlwire.Record
	Caller Caller
	// Parameter is the raw PARAMETER field.
	Parameter string
	// Modifier is set by CHMOD.
	Modifier *AccessRights
	// Activation is set by ACTIVATEHOST.
	Activation *bool
	// Alive is set by WORKALIVE.
	Alive xmlwire.Hashtable
}

// New builds a command for kind. The object is cloned so later changes by
// the caller do not leak into the command.
func New(kind Kind, uri *url.URL, caller Caller, obj *xmlwire.Record) *Command {
	cmd := &Command{Kind: kind, URI: uri, Caller: caller}
	if obj != nil {
		cmd.Object = obj.Clone()
	}
	return cmd
}

// ApplyParameter interprets raw through the kind's overlay. Kinds without an
// overlay keep the raw value only.
func (c *Command) ApplyParameter(raw string) error {
	c.Parameter = raw
	if raw == "" {
		return nil
	}
	spec, ok := byKind[c.Kind]
	if !ok || spec.Overlay == nil {
		return nil
	}
	return spec.Overlay(c, raw)
}

// BindCaller overwrites any identity embedded in the command, including
// owner-ish attributes of a user record, with caller.
func (c *Command) BindCaller(caller Caller) {
	c.Caller = caller
}

// TargetUID returns the last path segment of the command URI, which names
// the object the command acts on.
func (c *Command) TargetUID() string {
	if c.URI == nil {
		return ""
	}
	p := strings.Trim(c.URI.Path, "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}

func overlayModifier(c *Command, raw string) error {
	rights, err := ParseAccessRights(raw)
	if err != nil {
		return err
	}
	c.Modifier = &rights
	return nil
}

func overlayActivation(c *Command, raw string) error {
	active := strings.EqualFold(strings.TrimSpace(raw), "true")
	c.Activation = &active
	return nil
}

func overlayAlive(c *Command, raw string) error {
	table, err := xmlwire.DecodeHashtable(raw)
	if err != nil {
		return fmt.Errorf("rpc: heartbeat parameter: %w", err)
	}
	c.Alive = table
	return nil
}

// AccessRights is a unix-like permission word for dispatcher objects.
type AccessRights uint32

// DefaultAccessRights grants owner full access and read/execute to others.
const DefaultAccessRights AccessRights = 0x755

// maxAccessRights bounds accepted values to four nibbles.
const maxAccessRights = 0xFFFF

// ParseAccessRights accepts 0x-prefixed hex, 0-prefixed octal or decimal.
func ParseAccessRights(s string) (AccessRights, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("rpc: access rights %q: %w", s, err)
	}
	if v > maxAccessRights {
		return 0, fmt.Errorf("rpc: access rights %q out of range", s)
	}
	return AccessRights(v), nil
}

// String renders the rights in hex, the form clients send.
func (a AccessRights) String() string {
	return fmt.Sprintf("0x%x", uint32(a))
}

// OthersCanRead reports whether the lowest nibble grants read.
func (a AccessRights) OthersCanRead() bool { return a&0x4 != 0 }
