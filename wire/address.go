package wire

import (
	"net"
	"strconv"

	"github.com/gcampax/hDHT/errs"
)

// DefaultPort is spec §6's "Default port 7777 when omitted".
const DefaultPort = 7777

// ParseAddress parses spec §6's address textual form: "A.B.C.D[:port]"
// for IPv4, "[addr][:port]" for IPv6, applying DefaultPort when no port
// is given.
func ParseAddress(s string) (host string, port int, err error) {
	if h, p, splitErr := net.SplitHostPort(s); splitErr == nil {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, errs.New(errs.InvalidArgument, "wire: invalid port in address %q", s)
		}
		return h, port, nil
	}
	// No port present: net.SplitHostPort also fails for a bare host or
	// IPv6 literal without brackets, so fall back to treating the whole
	// string as the host with the default port.
	if len(s) > 1 && s[0] == '[' && s[len(s)-1] == ']' {
		s = s[1 : len(s)-1]
	}
	if s == "" {
		return "", 0, errs.New(errs.InvalidArgument, "wire: empty address")
	}
	return s, DefaultPort, nil
}

// FormatAddress renders (host, port) in spec §6's textual form, bracketing
// IPv6 literals.
func FormatAddress(host string, port int) string {
	if net.ParseIP(host) != nil && containsColon(host) {
		return "[" + host + "]:" + strconv.Itoa(port)
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func containsColon(s string) bool {
	for _, c := range s {
		if c == ':' {
			return true
		}
	}
	return false
}
