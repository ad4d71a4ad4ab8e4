package server

import (
	"net"
	"testing"
)

func TestFilterRules(t *testing.T) {
	tests := []struct {
		name   string
		allow  []string
		block  []string
		ip     string
		permit bool
	}{
		{"empty permits", nil, nil, "203.0.113.9", true},
		{"allow match", []string{"10.0.0.0/24"}, nil, "10.0.0.7", true},
		{"allow miss", []string{"10.0.0.0/24"}, nil, "10.0.1.7", false},
		{"bare address is /32", []string{"192.168.1.20"}, nil, "192.168.1.20", true},
		{"bare address excludes neighbor", []string{"192.168.1.20"}, nil, "192.168.1.21", false},
		{"block wins over allow", []string{"10.0.0.0/24"}, []string{"10.0.0.13"}, "10.0.0.13", false},
		{"block without allow", nil, []string{"10.0.0.0/8"}, "10.1.2.3", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFilter(tt.allow, tt.block)
			if err != nil {
				t.Fatalf("NewFilter(): %v", err)
			}
			if got := f.Permit(net.ParseIP(tt.ip)); got != tt.permit {
				t.Errorf("Permit(%s) = %v, want %v", tt.ip, got, tt.permit)
			}
		})
	}
}

func TestFilterBadEntry(t *testing.T) {
	if _, err := NewFilter([]string{"10.0.0.0/40"}, nil); err == nil {
		t.Fatal("NewFilter() accepted an invalid prefix length")
	}
	if _, err := NewFilter(nil, []string{"not-an-ip"}); err == nil {
		t.Fatal("NewFilter() accepted garbage")
	}
}
