package edgeguard

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrInvalidRequest marks a malformed request descriptor handed in by the
// forwarding layer. It is a contract violation, not a detection outcome.
var ErrInvalidRequest = errors.New("edgeguard: invalid request descriptor")

// Request is the descriptor the forwarding layer hands to the admission
// pipeline. The pipeline never touches the request body or the network.
type Request struct {
	ClientKey   string
	Method      string
	Path        string
	HeaderCount int
	BodySize    int
	Timestamp   time.Time
}

// Validate rejects descriptors the pipeline cannot reason about.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.ClientKey) == "" {
		return fmt.Errorf("%w: empty client key", ErrInvalidRequest)
	}
	if r.Method == "" {
		return fmt.Errorf("%w: empty method", ErrInvalidRequest)
	}
	if r.Path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidRequest)
	}
	if r.HeaderCount < 0 || r.BodySize < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidRequest)
	}
	return nil
}

// Action is the admission outcome handed back to the forwarding layer.
type Action int

const (
	ActionAllow Action = iota
	ActionRateLimit
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionRateLimit:
		return "rate_limit"
	case ActionBlock:
		return "block"
	default:
		return "allow"
	}
}

// Decision is the pipeline's answer for a single request. RetryAfter is set
// for RATE_LIMIT and BLOCK so the forwarding layer can emit Retry-After.
type Decision struct {
	Action     Action
	Reason     string
	RetryAfter time.Duration
}

// ClientKeyResolver derives the client key from the peer address, honoring
// forwarded headers only when the peer is a trusted proxy.
type ClientKeyResolver struct {
	trusted []*net.IPNet
}

func NewClientKeyResolver(trustedProxyCIDRs []string) *ClientKeyResolver {
	return &ClientKeyResolver{trusted: parseCIDRs(trustedProxyCIDRs)}
}

// Resolve picks the client key for a request. remoteIP is the socket peer;
// realIP and forwardedFor are the X-Real-IP and X-Forwarded-For header
// values as received.
func (r *ClientKeyResolver) Resolve(remoteIP, realIP, forwardedFor string) string {
	if !ipInNets(remoteIP, r.trusted) {
		return remoteIP
	}
	if realIP != "" {
		return strings.TrimSpace(realIP)
	}
	if forwardedFor != "" {
		return strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
	}
	return remoteIP
}

func parseCIDRs(cidrs []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, n, err := net.ParseCIDR(c); err == nil && n != nil {
			nets = append(nets, n)
			continue
		}
		// Support single IPs
		if ip := net.ParseIP(c); ip != nil {
			mask := net.CIDRMask(len(ip)*8, len(ip)*8)
			nets = append(nets, &net.IPNet{IP: ip, Mask: mask})
		}
	}
	return nets
}

func ipInNets(ipStr string, nets []*net.IPNet) bool {
	if ipStr == "" || len(nets) == 0 {
		return false
	}
	addr := net.ParseIP(ipStr)
	if addr == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}
