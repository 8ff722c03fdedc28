/*
Package domain contains the entities shared by every layer of the controller.

Identifiers:
DPID identifies a switch control channel and PortNo a port on that switch.
DPIDs print in the dash-separated form switches report them in:

	dpid := domain.DPID(1)
	fmt.Println(dpid) // 00-00-00-00-00-01

Backends and the virtual service:
A Backend is an (IP, MAC) pair in a fixed, ordered pool. The VirtualService
is the single address pair clients target; it is never bound to a real host.
HostLocation maps a host IP to the switch port it is attached to.

Frames and messages:
Frame is an already-decoded Ethernet frame carrying either an ARP or an IPv4
payload. FlowMod, PacketOut and FlowStatsRequest are the only messages the
controller emits; the wire encoding belongs to the channel implementation.

Selection:
SelectionStrategy picks a backend from the pool given a LoadSnapshot, the
per-backend rule counts gathered by the last completed statistics poll.
*/
package domain
