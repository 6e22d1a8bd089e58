package registry

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"
)

// Kind is the transport convention a backend speaks.
type Kind string

const (
	// KindSubprocess backends are child processes speaking line-delimited JSON-RPC.
	KindSubprocess Kind = "subprocess"
	// KindStream backends keep a long-lived push connection open.
	KindStream Kind = "stream"
	// KindRequest backends answer one HTTP call per message.
	KindRequest Kind = "request"
)

// ParseKind validates a transport kind string.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindSubprocess, KindStream, KindRequest:
		return k, nil
	default:
		return "", fmt.Errorf("unknown transport kind %q", s)
	}
}

// Descriptor describes one backend tool server. Descriptors held by a
// Registry are copies and must be treated as read-only.
type Descriptor struct {
	Name string
	Kind Kind

	// Subprocess
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	// Stream
	Address string
	Pooled  bool

	// Request
	URL            string
	RequestTimeout time.Duration

	// Headers are forwarded to stream and request backends.
	Headers map[string]string
	// Prefix namespaces the backend's tools in the aggregated catalog.
	Prefix string
}

// ToolPrefix returns the catalog prefix, defaulting to the backend name.
func (d Descriptor) ToolPrefix() string {
	if d.Prefix != "" {
		return d.Prefix
	}
	return d.Name
}

// Endpoint returns the command, address or URL in a form suitable for logs.
func (d Descriptor) Endpoint() string {
	switch d.Kind {
	case KindSubprocess:
		return strings.TrimSpace(d.Command + " " + strings.Join(d.Args, " "))
	case KindStream:
		return d.Address
	case KindRequest:
		return d.URL
	default:
		return ""
	}
}

func (d Descriptor) clone() Descriptor {
	out := d
	out.Args = slices.Clone(d.Args)
	out.Env = maps.Clone(d.Env)
	out.Headers = maps.Clone(d.Headers)
	return out
}

// Equal reports whether both descriptors describe the same backend the
// same way. A reload that changes any field replaces the backend.
func (d Descriptor) Equal(other Descriptor) bool {
	return reflect.DeepEqual(d, other)
}
