package sandbox

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// SafetyRejection means a URL target resolved to loopback, link-local, or
// private address space. The dynamic adapter must never be pointed at
// internal infrastructure, so such targets are skipped rather than scanned.
type SafetyRejection struct {
	Target string
	Reason string
}

func (e *SafetyRejection) Error() string {
	return fmt.Sprintf("unsafe target %s: %s", e.Target, e.Reason)
}

// ValidateTargetURL is the mandatory gate before any dynamic analysis.
// Unparsable URLs are treated as unsafe. Every resolved address must be
// public; one private address poisons the whole target.
func ValidateTargetURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return &SafetyRejection{Target: rawURL, Reason: "unparsable url"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &SafetyRejection{Target: rawURL, Reason: "scheme must be http or https"}
	}

	host := u.Hostname()
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return &SafetyRejection{Target: rawURL, Reason: "host does not resolve"}
	}
	for _, ip := range ips {
		if reason := privateReason(ip); reason != "" {
			return &SafetyRejection{Target: rawURL, Reason: reason}
		}
	}
	return nil
}

func privateReason(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "resolves to loopback address"
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return "resolves to link-local address"
	case ip.IsPrivate():
		return "resolves to private address"
	case ip.IsUnspecified():
		return "resolves to unspecified address"
	}
	return ""
}
