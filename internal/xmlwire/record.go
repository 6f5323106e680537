package xmlwire

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnknownType is returned when a record element names no known table.
var ErrUnknownType = errors.New("xmlwire: unknown record type")

// ErrEmpty is returned when a document carries no element.
var ErrEmpty = errors.New("xmlwire: empty document")

// Record types accepted in object descriptions.
const (
	TypeApp       = "app"
	TypeData      = "data"
	TypeGroup     = "group"
	TypeHost      = "host"
	TypeSession   = "session"
	TypeTask      = "task"
	TypeTrace     = "trace"
	TypeUser      = "user"
	TypeUserGroup = "usergroup"
	TypeWork      = "work"
)

var knownTypes = map[string]struct{}{
	TypeApp: {}, TypeData: {}, TypeGroup: {}, TypeHost: {}, TypeSession: {},
	TypeTask: {}, TypeTrace: {}, TypeUser: {}, TypeUserGroup: {}, TypeWork: {},
}

// Attr is one record attribute.
type Attr struct {
	Name  string
	Value string
}

// Record is a typed attribute bag describing a dispatcher object such as a
// data artifact, a work unit or a host. Attribute names compare
// case-insensitively and keep their first-seen order.
type Record struct {
	Type  string
	Attrs []Attr
}

// NewRecord returns an empty record of the given type.
func NewRecord(typ string) *Record {
	return &Record{Type: strings.ToLower(typ)}
}

// Get returns the attribute value or the empty string.
func (r *Record) Get(name string) string {
	if r == nil {
		return ""
	}
	for _, a := range r.Attrs {
		if strings.EqualFold(a.Name, name) {
			return a.Value
		}
	}
	return ""
}

// Has reports whether the attribute is present, even if empty.
func (r *Record) Has(name string) bool {
	if r == nil {
		return false
	}
	for _, a := range r.Attrs {
		if strings.EqualFold(a.Name, name) {
			return true
		}
	}
	return false
}

// Set replaces or appends an attribute.
func (r *Record) Set(name, value string) {
	for i, a := range r.Attrs {
		if strings.EqualFold(a.Name, name) {
			r.Attrs[i].Value = value
			return
		}
	}
	r.Attrs = append(r.Attrs, Attr{Name: strings.ToLower(name), Value: value})
}

// Delete removes an attribute if present.
func (r *Record) Delete(name string) {
	kept := r.Attrs[:0]
	for _, a := range r.Attrs {
		if !strings.EqualFold(a.Name, name) {
			kept = append(kept, a)
		}
	}
	r.Attrs = kept
}

// UID returns the record's uid attribute.
func (r *Record) UID() string { return r.Get("uid") }

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{Type: r.Type, Attrs: make([]Attr, len(r.Attrs))}
	copy(out.Attrs, r.Attrs)
	return out
}

// MarshalXML renders the record as a single empty element.
func (r *Record) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Local: r.Type}}
	for _, a := range r.Attrs {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: a.Name}, Value: a.Value})
	}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

// DecodeRecord parses the first element of doc into a Record. Child elements
// and character data are ignored.
func DecodeRecord(doc string) (*Record, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrEmpty
			}
			return nil, fmt.Errorf("xmlwire: decode record: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		typ := strings.ToLower(start.Name.Local)
		if _, known := knownTypes[typ]; !known {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, start.Name.Local)
		}
		rec := &Record{Type: typ}
		for _, a := range start.Attr {
			rec.Set(a.Name.Local, a.Value)
		}
		return rec, nil
	}
}
