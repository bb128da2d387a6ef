package transport

// Addr is an endpoint of a byte-stream connection.
type Addr interface {
	Host() string
	Port() uint16
	String() string
}

// Transport binds listeners and dials connections on one network.
type Transport interface {
	ConnDialer

	// Listen binds addr. An empty or unspecified host binds every interface.
	Listen(addr Addr) (ConnListener, error)
}

// IsWildcardHost reports whether host means "every interface".
func IsWildcardHost(host string) bool {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		return true
	}
	return false
}
