package helpers

import (
	"net"
	"net/url"
	"strings"

	"github.com/juju/errors"
)

// ParseURI splits "tcp://host:port" or "unix:///path" into net.Dial arguments.
// Bare "host:port" means tcp.
func ParseURI(s string) (network, address string, err error) {
	if !strings.Contains(s, "://") {
		if _, _, err = net.SplitHostPort(s); err != nil {
			return "", "", errors.Annotatef(err, "parse address=%s", s)
		}
		return "tcp", s, nil
	}
	u, err := url.ParseRequestURI(s)
	if err != nil {
		return "", "", errors.Annotatef(err, "parse url=%s", s)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		return u.Scheme, u.Host, nil
	case "unix":
		if u.Path == "" {
			return "", "", errors.NotValidf("url=%s unix path", s)
		}
		return u.Scheme, u.Path, nil
	}
	return "", "", errors.NotSupportedf("url=%s scheme", s)
}

func AddrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
