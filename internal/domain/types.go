package domain

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// DPID is the datapath identifier of a switch
type DPID uint64

// String renders the low 48 bits as six dash-separated hex octets
func (d DPID) String() string {
	var b strings.Builder
	for i := 5; i >= 0; i-- {
		fmt.Fprintf(&b, "%02x", byte(d>>(uint(i)*8)))
		if i > 0 {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// ParseDPID accepts either the dashed hex form or a plain decimal number.
func ParseDPID(s string) (DPID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty dpid")
	}
	if strings.ContainsAny(s, "-:") {
		parts := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == ':' })
		if len(parts) == 0 || len(parts) > 8 {
			return 0, fmt.Errorf("invalid dpid %q", s)
		}
		var v uint64
		for _, p := range parts {
			octet, err := strconv.ParseUint(p, 16, 8)
			if err != nil {
				return 0, fmt.Errorf("invalid dpid %q: %w", s, err)
			}
			v = v<<8 | octet
		}
		return DPID(v), nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid dpid %q: %w", s, err)
	}
	return DPID(v), nil
}

// PortNo is a switch port number
type PortNo uint16

// Reserved port numbers
const (
	PortInPort     PortNo = 0xfff8
	PortTable      PortNo = 0xfff9
	PortFlood      PortNo = 0xfffb
	PortController PortNo = 0xfffd
	PortNone       PortNo = 0xffff
)

func (p PortNo) String() string {
	switch p {
	case PortInPort:
		return "IN_PORT"
	case PortTable:
		return "TABLE"
	case PortFlood:
		return "FLOOD"
	case PortController:
		return "CONTROLLER"
	case PortNone:
		return "NONE"
	default:
		return strconv.Itoa(int(p))
	}
}

// Backend is a real server in the pool
type Backend struct {
	ID  string           `json:"id"`
	IP  netip.Addr       `json:"ip"`
	MAC net.HardwareAddr `json:"mac"`
}

// VirtualService is the externally visible address pair clients target
type VirtualService struct {
	IP  netip.Addr       `json:"ip"`
	MAC net.HardwareAddr `json:"mac"`
}

// HostLocation is the attachment point of a host
type HostLocation struct {
	IP   netip.Addr `json:"ip"`
	DPID DPID       `json:"dpid"`
	Port PortNo     `json:"port"`
}

// Link is a discovered connection between two switch ports
type Link struct {
	DPID1 DPID   `json:"dpid1"`
	Port1 PortNo `json:"port1"`
	DPID2 DPID   `json:"dpid2"`
	Port2 PortNo `json:"port2"`
}

// PathRequest asks the topology service for a path between two switches
type PathRequest struct {
	Token   string
	Ingress DPID
	Egress  DPID
}

// PathResponse answers a PathRequest. Path runs from ingress to egress inclusive.
type PathResponse struct {
	Token    string
	Path     []DPID
	NotFound bool
}

// LoadSnapshot maps backend ID to the number of rules aimed at it
type LoadSnapshot map[string]int64
