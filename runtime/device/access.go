package device

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// AccessKey carries the parameters needed to open a session with a device.
type AccessKey struct {
	Name          string
	Secret        string
	HostID        int
	ConnectionKey string
}

// AccessURL is the parsed form of a device's connection link.
type AccessURL struct {
	Key              AccessKey
	Serial           string
	HardwareRevision int
}

// ParseAccessURL extracts the access key and identity hints from a device
// connection URL of the form
//
//	https://applinks.example/access?n=<name>&s=<secret>&h=<host>&c=<key>[&sn=<serial>][&hw=<rev>]
func ParseAccessURL(raw string) (AccessURL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return AccessURL{}, fmt.Errorf("access url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return AccessURL{}, fmt.Errorf("parse access url: %w", err)
	}
	q := u.Query()

	key := AccessKey{
		Name:          q.Get("n"),
		Secret:        q.Get("s"),
		ConnectionKey: q.Get("c"),
	}
	if key.Secret == "" {
		return AccessURL{}, fmt.Errorf("access url missing secret")
	}
	if key.ConnectionKey == "" {
		return AccessURL{}, fmt.Errorf("access url missing connection key")
	}
	if h := q.Get("h"); h != "" {
		host, err := strconv.Atoi(h)
		if err != nil {
			return AccessURL{}, fmt.Errorf("access url host id %q: %w", h, err)
		}
		key.HostID = host
	}

	parsed := AccessURL{Key: key, Serial: q.Get("sn")}
	if hw := q.Get("hw"); hw != "" {
		rev, err := strconv.Atoi(hw)
		if err != nil {
			return AccessURL{}, fmt.Errorf("access url hardware revision %q: %w", hw, err)
		}
		parsed.HardwareRevision = rev
	}
	return parsed, nil
}
