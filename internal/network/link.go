package network

import "net"

// LinkChecker reports whether the host has a usable network link.
type LinkChecker interface {
	LinkUp() bool
}

// LinkFunc adapts a function to LinkChecker.
type LinkFunc func() bool

func (f LinkFunc) LinkUp() bool { return f() }

// AlwaysUp is used when link detection is disabled.
var AlwaysUp LinkChecker = LinkFunc(func() bool { return true })

// InterfaceLinkChecker reports the link as up when any non-loopback interface
// is up and has an address assigned.
type InterfaceLinkChecker struct{}

func (InterfaceLinkChecker) LinkUp() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		// Unknown link state must not keep the client offline.
		return true
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}
