// Package xmlwire encodes the dispatcher's XML wire format: typed object
// records, scalar values, hashtables and the response envelope.
package xmlwire

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io"
)

// Envelope constants.
const (
	Header      = `<?xml version='1.0' encoding='UTF-8'?>`
	RootTag     = "xwhep"
	ContentType = "text/xml;charset=UTF-8"
)

// WriteEnvelope writes Header, the root element and, when body is non-nil,
// its XML rendering. The closing root tag is written even when encoding the
// body fails so the client receives a well formed document.
func WriteEnvelope(w io.Writer, body any) (err error) {
	bw := bufio.NewWriter(w)
	defer func() {
		if _, cerr := fmt.Fprintf(bw, "</%s>\n", RootTag); err == nil {
			err = cerr
		}
		if ferr := bw.Flush(); err == nil {
			err = ferr
		}
	}()
	if _, err = fmt.Fprintf(bw, "%s\n<%s>\n", Header, RootTag); err != nil {
		return err
	}
	if body == nil {
		return nil
	}
	enc := xml.NewEncoder(bw)
	if err = enc.Encode(body); err != nil {
		return fmt.Errorf("xmlwire: encode body: %w", err)
	}
	if err = enc.Flush(); err != nil {
		return err
	}
	_, err = bw.WriteString("\n")
	return err
}
