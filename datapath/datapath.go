// MIT License
//
// Copyright (c) 2024 vHive team
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package datapath programs the host network plumbing for guest devices:
// bridges, tap devices, veth pairs, network namespaces and the NAT and filter
// rules connecting them to uplink networks.
package datapath

import (
	"fmt"
	"net"

	"github.com/vhive-serverless/guestnet/addressing"
	"github.com/vhive-serverless/guestnet/uplink"
)

// DeviceMode selects the tuntap flavor of a virtual device.
type DeviceMode int

const (
	ModeTap DeviceMode = iota
	ModeTun
)

// ConnectedNamespace describes a routed network namespace requested by a
// client and connected to the host with a veth pair.
type ConnectedNamespace struct {
	// Pid of the process owning the target namespace, or 0 to create a new
	// named namespace.
	Pid        int
	NetnsName  string
	HostIfname string
	PeerIfname string
	// Subnet backing the veth pair addresses. Released when the namespace
	// is torn down.
	Subnet   *addressing.Subnet
	HostCIDR *net.IPNet
	PeerCIDR *net.IPNet
	HostMAC  net.HardwareAddr
	PeerMAC  net.HardwareAddr
	// Outbound is the uplink the namespace traffic is routed through, if
	// pinned to one.
	Outbound   *uplink.Network
	RouteOnVPN bool
}

func (ns *ConnectedNamespace) String() string {
	return fmt.Sprintf("{netns: %s, host: %s, peer: %s, subnet: %s}",
		ns.NetnsName, ns.HostIfname, ns.PeerIfname, ns.Subnet)
}

// DownstreamNetwork describes an ad-hoc downstream network (e.g. tethering)
// created on a local interface on behalf of a client.
type DownstreamNetwork struct {
	DownstreamIfname string
	// Upstream is the uplink forwarded to, if any.
	Upstream *uplink.Network
	// Subnet backing the downstream addressing. Released on teardown.
	Subnet      *addressing.Subnet
	GatewayCIDR *net.IPNet
	EnableIPv6  bool
}

func (dn *DownstreamNetwork) String() string {
	return fmt.Sprintf("{downstream: %s, subnet: %s}", dn.DownstreamIfname, dn.Subnet)
}

// DNSRedirectType selects which traffic a DNS redirection rule applies to.
type DNSRedirectType int

const (
	// DNSRedirectDefault redirects the default DNS traffic of the host.
	DNSRedirectDefault DNSRedirectType = iota
	// DNSRedirectGuest redirects DNS traffic originating from a guest
	// device.
	DNSRedirectGuest
	// DNSRedirectUser redirects DNS traffic of host user sessions.
	DNSRedirectUser
)

// DNSRedirectRule redirects DNS queries on an interface to a proxy address.
type DNSRedirectRule struct {
	Type         DNSRedirectType
	InputIfname  string
	ProxyAddress net.IP
	HostIfname   string
	Nameservers  []net.IP
}

func (r *DNSRedirectRule) String() string {
	return fmt.Sprintf("{input: %s, proxy: %s}", r.InputIfname, r.ProxyAddress)
}

// Datapath is the low-level command surface programming the host network
// plumbing. All operations return success as a boolean; failures are logged
// by the implementation and must leave sibling devices untouched.
type Datapath interface {
	// NetnsAttachName binds a persistent name to the network namespace of
	// the process pid.
	NetnsAttachName(netnsName string, pid int) bool
	// NetnsDeleteName releases a persistent network namespace name.
	NetnsDeleteName(netnsName string) bool

	AddBridge(ifname string, cidr *net.IPNet) bool
	RemoveBridge(ifname string) bool
	AddToBridge(bridgeIfname, ifname string) bool

	// AddTunTap creates a tuntap device and returns its interface name, or
	// "" on failure. An empty name autogenerates one.
	AddTunTap(name string, mac net.HardwareAddr, cidr *net.IPNet, user string, mode DeviceMode) string
	RemoveTunTap(ifname string, mode DeviceMode)

	// ConnectVethPair creates a veth pair with the peer half inside the
	// network namespace of pid, configured with the given address.
	ConnectVethPair(pid int, netnsName, vethIfname, peerIfname string, peerMAC net.HardwareAddr, peerCIDR *net.IPNet, enableMulticast bool) bool
	RemoveInterface(ifname string)

	StartRoutingDevice(up uplink.Network, bridgeIfname string) bool
	StopRoutingDevice(up uplink.Network, bridgeIfname string)

	AddInboundIPv4DNAT(up uplink.Network, target net.IP) bool
	RemoveInboundIPv4DNAT(up uplink.Network, target net.IP)

	AddAdbPortAccessRule(ifname string) bool
	DeleteAdbPortAccessRule(ifname string)

	StartRoutingNamespace(ns *ConnectedNamespace) bool
	StopRoutingNamespace(ns *ConnectedNamespace)

	StartDownstreamNetwork(dn *DownstreamNetwork) bool
	StopDownstreamNetwork(dn *DownstreamNetwork)

	StartDNSRedirection(rule *DNSRedirectRule) bool
	StopDNSRedirection(rule *DNSRedirectRule)
}
