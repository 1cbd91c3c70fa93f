package tor

import (
	"net"
	"testing"
)

func TestAllocatePort(t *testing.T) {
	t.Parallel()

	port, err := AllocatePort()
	if err != nil {
		t.Fatalf("AllocatePort: %v", err)
	}
	if port <= 0 || port > 65535 {
		t.Fatalf("port out of range: %d", port)
	}

	// The port was released and can be bound again.
	l, err := net.Listen("tcp", PortPair{Proxy: port}.ProxyAddr())
	if err != nil {
		t.Fatalf("allocated port %d is not bindable: %v", port, err)
	}
	_ = l.Close()
}

func TestAllocatePortPair(t *testing.T) {
	t.Parallel()

	for range 20 {
		pair, err := AllocatePortPair()
		if err != nil {
			t.Fatalf("AllocatePortPair: %v", err)
		}
		if pair.Proxy == pair.Control {
			t.Fatalf("ports collide: %+v", pair)
		}
	}
}

func TestPortPairAddrs(t *testing.T) {
	t.Parallel()

	p := PortPair{Proxy: 9050, Control: 9051}
	if got := p.ProxyAddr(); got != "127.0.0.1:9050" {
		t.Errorf("ProxyAddr() = %q", got)
	}
	if got := p.ControlAddr(); got != "127.0.0.1:9051" {
		t.Errorf("ControlAddr() = %q", got)
	}
}
