package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/url"
)

// RedactID shortens a paste id for logs. The full id is a read capability.
func RedactID(id string) string {
	if len(id) <= 6 {
		return "[ID-REDACTED]"
	}
	return id[:4] + "..."
}

// RedactURL drops credentials from a connection URL.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[URL-REDACTED]"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}

func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	if ipv6 := parsed.To16(); ipv6 != nil {
		for i := 4; i < 16; i++ {
			ipv6[i] = 0
		}
		return ipv6.String()
	}
	hash := sha256.Sum256([]byte(ip))
	return "hash:" + hex.EncodeToString(hash[:8])
}
