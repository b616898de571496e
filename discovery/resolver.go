package discovery

import (
	"context"
	"net"
	"strconv"
)

// AddressResolver expands a textual address taken from an instance record
// into zero or more concrete "host:port" endpoints. Hosts embedding the
// provider supply their own implementation; a resolution failure only skips
// the one instance it came from.
type AddressResolver interface {
	Resolve(ctx context.Context, address string) ([]string, error)
}

// NetResolver resolves addresses with the system resolver and attaches a
// default port when the address doesn't carry one.
type NetResolver struct {
	// Port is appended to addresses without an explicit port.
	Port int
}

func (r *NetResolver) Resolve(ctx context.Context, address string) ([]string, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		host = address
		port = strconv.Itoa(r.Port)
	}

	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	endpoints := make([]string, 0, len(ips))
	for _, ip := range ips {
		endpoints = append(endpoints, net.JoinHostPort(ip, port))
	}
	return endpoints, nil
}
