package server

import (
	"fmt"
	"net"
	"strings"
)

// Filter applies per-instance IP allow/block rules at accept time. Block
// entries win over allow entries; an empty allow list admits everyone who
// is not blocked.
type Filter struct {
	allow []*net.IPNet
	block []*net.IPNet
}

// NewFilter builds a filter from CIDR strings. A bare address is treated
// as a /32.
func NewFilter(allow, block []string) (*Filter, error) {
	f := &Filter{}
	var err error
	if f.allow, err = parseNets(allow); err != nil {
		return nil, err
	}
	if f.block, err = parseNets(block); err != nil {
		return nil, err
	}
	return f, nil
}

func parseNets(entries []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			e += "/32"
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("server: bad IP filter entry %q: %w", e, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// Permit reports whether a peer at ip may connect.
func (f *Filter) Permit(ip net.IP) bool {
	for _, n := range f.block {
		if n.Contains(ip) {
			return false
		}
	}
	if len(f.allow) == 0 {
		return true
	}
	for _, n := range f.allow {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
