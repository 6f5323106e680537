package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"

	"pkt.systems/gridgate/internal/rpc"
	"pkt.systems/gridgate/internal/transfer"
	"pkt.systems/gridgate/internal/uid"
	"pkt.systems/gridgate/internal/xmlwire"
)

// Request parameter names consumed by the router.
const (
	fieldXMLDesc   = "XMLDESC"
	fieldParameter = "PARAMETER"
)

type routeKind int

const (
	routeNotMine routeKind = iota
	routeUsage
	routeAPI
	routeRPC
)

type route struct {
	kind routeKind
	spec rpc.Spec
	// rest holds the path segments after the kind.
	rest []string
}

func (rt route) label() string {
	switch rt.kind {
	case routeUsage:
		return "usage"
	case routeAPI:
		return "api"
	case routeRPC:
		return rt.spec.Kind.String()
	default:
		return ""
	}
}

// parseRoute classifies a request path. Unknown first segments are not ours.
func parseRoute(p string) route {
	segments := splitPath(p)
	if len(segments) == 0 {
		return route{kind: routeUsage}
	}
	if strings.EqualFold(segments[0], "api") {
		return route{kind: routeAPI}
	}
	spec, ok := rpc.Lookup(segments[0])
	if !ok {
		return route{kind: routeNotMine}
	}
	return route{kind: routeRPC, spec: spec, rest: segments[1:]}
}

func splitPath(p string) []string {
	raw := strings.Split(p, "/")
	out := raw[:0]
	for _, s := range raw {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// canonicalURI is scheme://host:port followed by the remaining segments.
// A DATAUID parameter becomes the last segment when the path names no uid.
func canonicalURI(r *http.Request, rest []string, params url.Values) *url.URL {
	scheme := "http"
	defaultPort := "80"
	if r.TLS != nil {
		scheme = "https"
		defaultPort = "443"
	}
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(strings.Trim(host, "[]"), defaultPort)
	}
	segments := append([]string(nil), rest...)
	if len(segments) == 0 {
		if dataUID := strings.TrimSpace(params.Get(transfer.FieldDataUID)); dataUID != "" {
			segments = append(segments, dataUID)
		}
	}
	p := "/"
	if len(segments) > 0 {
		p = "/" + path.Join(segments...)
	}
	return &url.URL{Scheme: scheme, Host: host, Path: p}
}

// buildCommand decodes the command for rt and binds caller.
func buildCommand(r *http.Request, rt route, params url.Values, caller rpc.Caller) (*rpc.Command, error) {
	var obj *xmlwire.Record
	if desc := strings.TrimSpace(params.Get(fieldXMLDesc)); desc != "" {
		rec, err := xmlwire.DecodeRecord(desc)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", fieldXMLDesc, err)
		}
		if rec.UID() == "" {
			rec.Set("uid", uid.New())
		}
		obj = rec
	}
	cmd := rpc.New(rt.spec.Kind, canonicalURI(r, rt.rest, params), caller, obj)
	if err := cmd.ApplyParameter(params.Get(fieldParameter)); err != nil {
		return nil, fmt.Errorf("apply %s: %w", fieldParameter, err)
	}
	cmd.BindCaller(caller)
	return cmd, nil
}
