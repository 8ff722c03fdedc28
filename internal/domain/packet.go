package domain

import (
	"net"
	"net/netip"
)

// Ethernet types understood by the controller
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
)

// ARP opcodes
const (
	ARPRequest uint16 = 1
	ARPReply   uint16 = 2
)

// Frame is a decoded Ethernet frame. At most one of ARP and IPv4 is set.
type Frame struct {
	Src       net.HardwareAddr
	Dst       net.HardwareAddr
	EtherType uint16
	ARP       *ARPPacket
	IPv4      *IPv4Packet
	// Payload holds whatever follows the network header, untouched.
	Payload []byte
}

// ARPPacket is an IPv4-over-Ethernet ARP message
type ARPPacket struct {
	Opcode    uint16
	SenderMAC net.HardwareAddr
	SenderIP  netip.Addr
	TargetMAC net.HardwareAddr
	TargetIP  netip.Addr
}

// IPv4Packet holds the IPv4 header fields the controller reads or rewrites
type IPv4Packet struct {
	Src      netip.Addr
	Dst      netip.Addr
	Protocol uint8
}

// Clone returns a deep copy so rewrites never touch the original packet-in.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := &Frame{
		Src:       cloneMAC(f.Src),
		Dst:       cloneMAC(f.Dst),
		EtherType: f.EtherType,
	}
	if f.ARP != nil {
		arp := *f.ARP
		arp.SenderMAC = cloneMAC(f.ARP.SenderMAC)
		arp.TargetMAC = cloneMAC(f.ARP.TargetMAC)
		c.ARP = &arp
	}
	if f.IPv4 != nil {
		ip := *f.IPv4
		c.IPv4 = &ip
	}
	if f.Payload != nil {
		c.Payload = append([]byte(nil), f.Payload...)
	}
	return c
}

func cloneMAC(mac net.HardwareAddr) net.HardwareAddr {
	if mac == nil {
		return nil
	}
	return append(net.HardwareAddr(nil), mac...)
}
