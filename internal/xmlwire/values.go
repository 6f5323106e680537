package xmlwire

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Value is a scalar answer rendered as <XMLValue value="..."/>.
type Value struct {
	XMLName xml.Name `xml:"XMLValue"`
	Value   string   `xml:"value,attr"`
}

// Int64 builds a Value from n.
func Int64(n int64) Value { return Value{Value: strconv.FormatInt(n, 10)} }

// String builds a Value from s.
func String(s string) Value { return Value{Value: s} }

// Error reports a failed command inside the envelope.
type Error struct {
	XMLName xml.Name `xml:"error"`
	Code    string   `xml:"code,attr"`
	Detail  string   `xml:"detail,attr,omitempty"`
}

// Vector renders a list of elements.
type Vector []any

// MarshalXML renders <XMLVector SIZE="n">children</XMLVector>.
func (v Vector) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{
		Name: xml.Name{Local: "XMLVector"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "SIZE"}, Value: strconv.Itoa(len(v))}},
	}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, item := range v {
		if err := e.Encode(item); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

// Entry is one key/value pair of a Hashtable.
type Entry struct {
	Key   string
	Value string
}

// Hashtable is an ordered string map carried as a heartbeat parameter.
type Hashtable []Entry

// Get returns the value stored for key.
func (h Hashtable) Get(key string) (string, bool) {
	for _, e := range h {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Map copies the table into a map; later keys win.
func (h Hashtable) Map() map[string]string {
	out := make(map[string]string, len(h))
	for _, e := range h {
		out[e.Key] = e.Value
	}
	return out
}

// MarshalXML renders the table as
// <XMLHashtable SIZE="n"><XMLKey><XMLValue value="k"/></XMLKey><XMLValue value="v"/>...</XMLHashtable>.
func (h Hashtable) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{
		Name: xml.Name{Local: "XMLHashtable"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "SIZE"}, Value: strconv.Itoa(len(h))}},
	}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	keyStart := xml.StartElement{Name: xml.Name{Local: "XMLKey"}}
	for _, entry := range h {
		if err := e.EncodeToken(keyStart); err != nil {
			return err
		}
		if err := e.Encode(String(entry.Key)); err != nil {
			return err
		}
		if err := e.EncodeToken(keyStart.End()); err != nil {
			return err
		}
		if err := e.Encode(String(entry.Value)); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

// DecodeHashtable parses the XMLHashtable representation produced by
// MarshalXML. A key without a following value is rejected.
func DecodeHashtable(doc string) (Hashtable, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	var (
		table    Hashtable
		seenRoot bool
		inKey    bool
		key      *string
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("xmlwire: decode hashtable: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "XMLHashtable":
				seenRoot = true
			case "XMLKey":
				if key != nil {
					return nil, fmt.Errorf("xmlwire: decode hashtable: key %q has no value", *key)
				}
				inKey = true
			case "XMLValue":
				v := attrValue(t, "value")
				switch {
				case inKey:
					key = &v
				case key != nil:
					table = append(table, Entry{Key: *key, Value: v})
					key = nil
				default:
					return nil, fmt.Errorf("xmlwire: decode hashtable: value %q without key", v)
				}
			}
		case xml.EndElement:
			if t.Name.Local == "XMLKey" {
				inKey = false
			}
		}
	}
	if !seenRoot {
		return nil, ErrEmpty
	}
	if key != nil {
		return nil, fmt.Errorf("xmlwire: decode hashtable: key %q has no value", *key)
	}
	return table, nil
}

func attrValue(start xml.StartElement, name string) string {
	for _, a := range start.Attr {
		if strings.EqualFold(a.Name.Local, name) {
			return a.Value
		}
	}
	return ""
}
