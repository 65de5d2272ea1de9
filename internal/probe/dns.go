package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// Resolver checks that a manually registered device's declared hostname
// actually resolves. Registration never blocks on the result; a miss only
// produces a warning audit entry.
type Resolver struct {
	server string
	client *dns.Client
}

func NewResolver(server string) *Resolver {
	if server == "" {
		server = "127.0.0.1:53"
	}
	return &Resolver{
		server: server,
		client: &dns.Client{Timeout: 5 * time.Second},
	}
}

// ResolveHost returns the A records for hostname.
func (r *Resolver) ResolveHost(ctx context.Context, hostname string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(hostname), dns.TypeA)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns lookup failed: %s", dns.RcodeToString[resp.Rcode])
	}

	var addrs []string
	for _, ans := range resp.Answer {
		if a, ok := ans.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}
	return addrs, nil
}
