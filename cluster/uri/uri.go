// Package uri renders and parses cluster peer addresses.
//
// The canonical form is
//
//	cluster://host:port
//	cluster://host:port/?name=<instance name>
//
// Two peers are the same peer exactly when their canonical strings are equal,
// so the layers above can treat a URI as an opaque, comparable key.
package uri

import (
	"cluster-com/transport"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	Scheme = "cluster"

	// Wildcard is the canonical host of a node bound to every interface.
	Wildcard = "0.0.0.0"

	nameParam = "name"
)

var ErrMalformed = errors.New("malformed cluster URI")

type URI struct {
	host string
	port uint16
	name string
}

var _ transport.Addr = URI{}

func New(host string, port uint16, name string) URI {
	return URI{host: normalizeHost(host), port: port, name: name}
}

// FromAddr converts a socket address into a peer URI without a name.
func FromAddr(addr transport.Addr) URI {
	return New(addr.Host(), addr.Port(), "")
}

func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return Wildcard
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap().String()
	}
	return strings.ToLower(host)
}

func (u URI) Host() string { return u.host }
func (u URI) Port() uint16 { return u.port }
func (u URI) Name() string { return u.name }

func (u URI) IsZero() bool { return u == URI{} }

func (u URI) IsWildcard() bool { return transport.IsWildcardHost(u.host) }

// IsLoopback reports whether the host names this machine's loopback interface.
func (u URI) IsLoopback() bool {
	if u.host == "localhost" {
		return true
	}
	ip, err := netip.ParseAddr(u.host)
	return err == nil && ip.IsLoopback()
}

func (u URI) WithHost(host string) URI {
	u.host = normalizeHost(host)
	return u
}

func (u URI) WithName(name string) URI {
	u.name = name
	return u
}

// HostPort renders host and port the way net.Dial expects them.
func (u URI) HostPort() string {
	return net.JoinHostPort(u.host, strconv.FormatUint(uint64(u.port), 10))
}

func (u URI) String() string {
	if u.IsZero() {
		return ""
	}

	b := new(strings.Builder)
	b.WriteString(Scheme)
	b.WriteString("://")
	// An IPv6 zone is escaped inside a URI host.
	b.WriteString(strings.Replace(u.HostPort(), "%", "%25", 1))

	if u.name != "" {
		b.WriteString("/?")
		b.WriteString(nameParam)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(u.name))
	}

	return b.String()
}

func (u URI) Equal(other URI) bool {
	return u.String() == other.String()
}

// Parse reads raw in any of the forms
//
//	cluster://host:port[/?name=x]
//	host:port
//	host
//
// and returns its canonical URI. defaultPort fills in a missing port.
// Unknown query parameters are ignored.
func Parse(raw string, defaultPort uint16) (URI, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return URI{}, errors.Wrap(ErrMalformed, "empty address")
	}

	if !strings.Contains(raw, "://") {
		raw = Scheme + "://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return URI{}, errors.Wrapf(ErrMalformed, "%q: %s", raw, err)
	}

	if !strings.EqualFold(parsed.Scheme, Scheme) {
		return URI{}, errors.Wrapf(ErrMalformed, "%q: scheme must be %s", raw, Scheme)
	}
	if parsed.User != nil {
		return URI{}, errors.Wrapf(ErrMalformed, "%q: user info is not allowed", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return URI{}, errors.Wrapf(ErrMalformed, "%q: unexpected path %q", raw, parsed.Path)
	}

	port := defaultPort
	if rawPort := parsed.Port(); rawPort != "" {
		p, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil {
			return URI{}, errors.Wrapf(ErrMalformed, "%q: invalid port", raw)
		}
		port = uint16(p)
	}
	if port == 0 {
		return URI{}, errors.Wrapf(ErrMalformed, "%q: missing port", raw)
	}

	return New(parsed.Hostname(), port, parsed.Query().Get(nameParam)), nil
}

// MustParse is like Parse but panics on error. Meant for constants and tests.
func MustParse(raw string, defaultPort uint16) URI {
	u, err := Parse(raw, defaultPort)
	if err != nil {
		panic(err)
	}
	return u
}
