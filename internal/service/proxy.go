package service

import (
	"net"
	"net/netip"

	"github.com/mir00r/openflow-lb/internal/domain"
)

// Classification is the pipeline a punted frame is routed to
type Classification int

const (
	ClassUnclassified Classification = iota
	ClassARPVirtual
	ClassARPOther
	ClassClientToService
	ClassServiceToClient
)

func (c Classification) String() string {
	switch c {
	case ClassARPVirtual:
		return "arp_virtual"
	case ClassARPOther:
		return "arp_other"
	case ClassClientToService:
		return "client_to_service"
	case ClassServiceToClient:
		return "service_to_client"
	default:
		return "unclassified"
	}
}

// BackendLookup resolves a pool member by address
type BackendLookup interface {
	GetByIP(ip netip.Addr) (*domain.Backend, bool)
}

// ProxyConfig configures the synthetic ARP responder
type ProxyConfig struct {
	// Prefix bounds the addresses answered with synthetic link addresses.
	// An invalid prefix disables synthetic replies.
	Prefix netip.Prefix
	// MACPrefix holds the five leading octets of every synthetic link address.
	MACPrefix net.HardwareAddr
}

// VirtualServiceProxy answers ARP for the virtual service and classifies
// everything else punted to the controller
type VirtualServiceProxy struct {
	service domain.VirtualService
	pool    BackendLookup
	config  ProxyConfig
}

// NewVirtualServiceProxy creates a proxy for service
func NewVirtualServiceProxy(service domain.VirtualService, pool BackendLookup, config ProxyConfig) *VirtualServiceProxy {
	return &VirtualServiceProxy{
		service: service,
		pool:    pool,
		config:  config,
	}
}

// Service returns the virtual service this proxy fronts
func (p *VirtualServiceProxy) Service() domain.VirtualService {
	return p.service
}

// Classify decides which pipeline handles frame
func (p *VirtualServiceProxy) Classify(frame *domain.Frame) Classification {
	if frame == nil {
		return ClassUnclassified
	}

	switch {
	case frame.EtherType == domain.EtherTypeARP && frame.ARP != nil:
		arp := frame.ARP
		if arp.Opcode != domain.ARPRequest {
			return ClassUnclassified
		}
		if arp.TargetIP == p.service.IP {
			return ClassARPVirtual
		}
		// Gratuitous announcements need no answer.
		if arp.TargetIP == arp.SenderIP {
			return ClassUnclassified
		}
		return ClassARPOther

	case frame.EtherType == domain.EtherTypeIPv4 && frame.IPv4 != nil:
		ip := frame.IPv4
		if ip.Dst == p.service.IP {
			return ClassClientToService
		}
		if _, ok := p.pool.GetByIP(ip.Src); ok {
			return ClassServiceToClient
		}
	}
	return ClassUnclassified
}

// ARPReply builds the reply to an ARP request punted on inPort. The virtual
// address answers with the virtual link address; other addresses inside the
// configured prefix answer with their synthetic link address. ok is false
// when the request should be left alone.
func (p *VirtualServiceProxy) ARPReply(frame *domain.Frame, inPort domain.PortNo) (*domain.PacketOut, bool) {
	if frame == nil || frame.ARP == nil || frame.ARP.Opcode != domain.ARPRequest {
		return nil, false
	}
	req := frame.ARP

	var mac net.HardwareAddr
	if req.TargetIP == p.service.IP {
		mac = p.service.MAC
	} else {
		if !p.config.Prefix.IsValid() || !p.config.Prefix.Contains(req.TargetIP) {
			return nil, false
		}
		synthetic, ok := SyntheticHardwareAddr(req.TargetIP, p.config.MACPrefix)
		if !ok {
			return nil, false
		}
		mac = synthetic
	}

	requester := req.SenderMAC
	if requester == nil {
		requester = frame.Src
	}

	reply := &domain.Frame{
		Src:       cloneHW(mac),
		Dst:       cloneHW(requester),
		EtherType: domain.EtherTypeARP,
		ARP: &domain.ARPPacket{
			Opcode:    domain.ARPReply,
			SenderMAC: cloneHW(mac),
			SenderIP:  req.TargetIP,
			TargetMAC: cloneHW(requester),
			TargetIP:  req.SenderIP,
		},
	}

	return &domain.PacketOut{
		BufferID: domain.NoBuffer,
		InPort:   domain.PortNone,
		Frame:    reply,
		Actions:  []domain.Action{domain.Output{Port: inPort}},
	}, true
}

// SyntheticHardwareAddr derives the link address of an IPv4 host by
// appending the last octet of ip to a five-octet prefix, so 10.0.0.3 maps to
// 00:00:00:00:00:03 under the default prefix. Network (.0) and broadcast
// (.255) suffixes have no synthetic address.
func SyntheticHardwareAddr(ip netip.Addr, prefix net.HardwareAddr) (net.HardwareAddr, bool) {
	if !ip.Is4() || len(prefix) != 5 {
		return nil, false
	}
	suffix := ip.As4()[3]
	if suffix == 0 || suffix == 255 {
		return nil, false
	}
	mac := make(net.HardwareAddr, 0, 6)
	mac = append(mac, prefix...)
	return append(mac, suffix), true
}

func cloneHW(mac net.HardwareAddr) net.HardwareAddr {
	return append(net.HardwareAddr(nil), mac...)
}
