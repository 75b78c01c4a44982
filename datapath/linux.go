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

package datapath

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	"github.com/go-multierror/multierror"
	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/vhive-serverless/guestnet/uplink"
)

const (
	netnsRunDir = "/run/netns"

	forwardChain = "guestnet-forward"
	masqChain    = "guestnet-masq"
	dnatChain    = "guestnet-dnat"

	adbPort = "5555"
	dnsPort = "53"
)

// Linux programs the host network stack with netlink, nftables and iptables.
// It implements Datapath and is safe for concurrent use.
type Linux struct {
	ipt *iptables.IPTables

	mu         sync.Mutex
	tapCounter int
}

var _ Datapath = (*Linux)(nil)

// NewLinux creates the Linux datapath. It requires CAP_NET_ADMIN.
func NewLinux() (*Linux, error) {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, errors.Wrapf(err, "creating iptables handle")
	}
	return &Linux{ipt: ipt}, nil
}

// NetnsAttachName bind-mounts the network namespace of pid under
// /run/netns/<netnsName> so it survives the process and can be entered by
// name.
func (d *Linux) NetnsAttachName(netnsName string, pid int) bool {
	logger := log.WithFields(log.Fields{"netns": netnsName, "pid": pid})

	if err := os.MkdirAll(netnsRunDir, 0755); err != nil {
		logger.Errorf("Failed to create %s: %v", netnsRunDir, err)
		return false
	}

	nsPath := filepath.Join(netnsRunDir, netnsName)
	mount, err := os.Create(nsPath)
	if err != nil {
		logger.Errorf("Failed to create netns mount point: %v", err)
		return false
	}
	mount.Close()

	src := fmt.Sprintf("/proc/%d/ns/net", pid)
	if err := unix.Mount(src, nsPath, "none", unix.MS_BIND, ""); err != nil {
		logger.Errorf("Failed to bind mount %s: %v", src, err)
		os.Remove(nsPath)
		return false
	}

	logger.Debug("Attached netns name")
	return true
}

// NetnsDeleteName releases a name attached with NetnsAttachName.
func (d *Linux) NetnsDeleteName(netnsName string) bool {
	logger := log.WithFields(log.Fields{"netns": netnsName})

	nsPath := filepath.Join(netnsRunDir, netnsName)
	if err := unix.Unmount(nsPath, unix.MNT_DETACH); err != nil {
		logger.Errorf("Failed to unmount netns: %v", err)
		return false
	}
	if err := os.Remove(nsPath); err != nil {
		logger.Errorf("Failed to remove netns mount point: %v", err)
		return false
	}
	return true
}

func (d *Linux) AddBridge(ifname string, cidr *net.IPNet) bool {
	logger := log.WithFields(log.Fields{"bridge": ifname})

	la := netlink.NewLinkAttrs()
	la.Name = ifname
	br := &netlink.Bridge{LinkAttrs: la}

	if err := netlink.LinkAdd(br); err != nil {
		logger.Errorf("Bridge could not be created: %v", err)
		return false
	}

	if cidr != nil {
		if err := netlink.AddrAdd(br, &netlink.Addr{IPNet: cidr}); err != nil {
			logger.Errorf("Could not add %s to bridge: %v", cidr, err)
			netlink.LinkDel(br)
			return false
		}
	}

	if err := netlink.LinkSetUp(br); err != nil {
		logger.Errorf("Bridge could not be enabled: %v", err)
		netlink.LinkDel(br)
		return false
	}

	return true
}

func (d *Linux) RemoveBridge(ifname string) bool {
	logger := log.WithFields(log.Fields{"bridge": ifname})

	br, err := netlink.LinkByName(ifname)
	if err != nil {
		logger.Warn("Could not find bridge")
		return false
	}
	if err := netlink.LinkDel(br); err != nil {
		logger.Errorf("Bridge could not be deleted: %v", err)
		return false
	}
	return true
}

func (d *Linux) AddToBridge(bridgeIfname, ifname string) bool {
	logger := log.WithFields(log.Fields{"bridge": bridgeIfname, "iface": ifname})

	br, err := netlink.LinkByName(bridgeIfname)
	if err != nil {
		logger.Errorf("Could not find bridge: %v", err)
		return false
	}
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		logger.Errorf("Could not find interface: %v", err)
		return false
	}
	if err := netlink.LinkSetMaster(link, br); err != nil {
		logger.Errorf("Master could not be set: %v", err)
		return false
	}
	return true
}

// AddTunTap creates a tuntap device owned by user (if non-empty) and brings it
// up. An empty name autogenerates a "tap%d" name. Returns the interface name,
// or "" on failure.
func (d *Linux) AddTunTap(name string, mac net.HardwareAddr, cidr *net.IPNet, userName string, mode DeviceMode) string {
	if name == "" {
		d.mu.Lock()
		name = fmt.Sprintf("tap%d", d.tapCounter)
		d.tapCounter++
		d.mu.Unlock()
	}

	logger := log.WithFields(log.Fields{"tap": name})

	la := netlink.NewLinkAttrs()
	la.Name = name
	tap := &netlink.Tuntap{LinkAttrs: la, Mode: netlink.TUNTAP_MODE_TAP}
	if mode == ModeTun {
		tap.Mode = netlink.TUNTAP_MODE_TUN
	}

	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			logger.Errorf("Could not look up tap owner %s: %v", userName, err)
			return ""
		}
		uid, err := strconv.ParseUint(u.Uid, 10, 32)
		if err != nil {
			logger.Errorf("Could not parse uid of tap owner %s: %v", userName, err)
			return ""
		}
		tap.Owner = uint32(uid)
	}

	if err := netlink.LinkAdd(tap); err != nil {
		logger.Errorf("Tap could not be created: %v", err)
		return ""
	}

	if mac != nil {
		if err := netlink.LinkSetHardwareAddr(tap, mac); err != nil {
			logger.Errorf("Could not set MAC address: %v", err)
			netlink.LinkDel(tap)
			return ""
		}
	}

	if cidr != nil {
		if err := netlink.AddrAdd(tap, &netlink.Addr{IPNet: cidr}); err != nil {
			logger.Errorf("Could not add %s to tap: %v", cidr, err)
			netlink.LinkDel(tap)
			return ""
		}
	}

	if err := netlink.LinkSetUp(tap); err != nil {
		logger.Errorf("Tap could not be enabled: %v", err)
		netlink.LinkDel(tap)
		return ""
	}

	return name
}

func (d *Linux) RemoveTunTap(ifname string, mode DeviceMode) {
	logger := log.WithFields(log.Fields{"tap": ifname})

	tap, err := netlink.LinkByName(ifname)
	if err != nil {
		logger.Warn("Could not find tap")
		return
	}
	if err := netlink.LinkDel(tap); err != nil {
		logger.Errorf("Tap could not be removed: %v", err)
	}
}

// ConnectVethPair creates a veth pair with vethIfname on the host and
// peerIfname inside the network namespace of pid (or the named namespace if
// pid is 0), and configures the peer half with the given address.
func (d *Linux) ConnectVethPair(pid int, netnsName, vethIfname, peerIfname string, peerMAC net.HardwareAddr, peerCIDR *net.IPNet, enableMulticast bool) bool {
	logger := log.WithFields(log.Fields{"veth": vethIfname, "peer": peerIfname, "netns": netnsName})

	var nsh netns.NsHandle
	var err error
	if pid > 0 {
		nsh, err = netns.GetFromPid(pid)
	} else {
		nsh, err = netns.GetFromName(netnsName)
	}
	if err != nil {
		logger.Errorf("Could not get target netns: %v", err)
		return false
	}
	defer nsh.Close()

	la := netlink.NewLinkAttrs()
	la.Name = vethIfname
	veth := &netlink.Veth{
		LinkAttrs:     la,
		PeerName:      peerIfname,
		PeerNamespace: netlink.NsFd(nsh),
	}
	if err := netlink.LinkAdd(veth); err != nil {
		logger.Errorf("Veth pair could not be created: %v", err)
		return false
	}
	if err := netlink.LinkSetUp(veth); err != nil {
		logger.Errorf("Veth host half could not be enabled: %v", err)
		netlink.LinkDel(veth)
		return false
	}

	if err := d.configureVethPeer(nsh, peerIfname, peerMAC, peerCIDR, enableMulticast); err != nil {
		logger.Errorf("Veth peer half could not be configured: %v", err)
		netlink.LinkDel(veth)
		return false
	}

	return true
}

func (d *Linux) configureVethPeer(nsh netns.NsHandle, peerIfname string, mac net.HardwareAddr, cidr *net.IPNet, enableMulticast bool) error {
	nlh, err := netlink.NewHandleAt(nsh)
	if err != nil {
		return errors.Wrapf(err, "opening netlink handle in netns")
	}
	defer nlh.Delete()

	peer, err := nlh.LinkByName(peerIfname)
	if err != nil {
		return errors.Wrapf(err, "finding peer interface")
	}
	if mac != nil {
		if err := nlh.LinkSetHardwareAddr(peer, mac); err != nil {
			return errors.Wrapf(err, "setting peer MAC address")
		}
	}
	if cidr != nil {
		if err := nlh.AddrAdd(peer, &netlink.Addr{IPNet: cidr}); err != nil {
			return errors.Wrapf(err, "adding peer address")
		}
	}
	if enableMulticast {
		if err := nlh.LinkSetAllmulticastOn(peer); err != nil {
			return errors.Wrapf(err, "enabling multicast on peer")
		}
	}
	if err := nlh.LinkSetUp(peer); err != nil {
		return errors.Wrapf(err, "enabling peer interface")
	}
	return nil
}

func (d *Linux) RemoveInterface(ifname string) {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		log.WithFields(log.Fields{"iface": ifname}).Debug("Could not find interface to remove")
		return
	}
	if err := netlink.LinkDel(link); err != nil {
		log.WithFields(log.Fields{"iface": ifname}).Errorf("Interface could not be removed: %v", err)
	}
}

// StartRoutingDevice opens forwarding between the bridge of a guest device and
// its uplink, and masquerades guest traffic leaving through the uplink.
func (d *Linux) StartRoutingDevice(up uplink.Network, bridgeIfname string) bool {
	logger := log.WithFields(log.Fields{"uplink": up.Ifname, "bridge": bridgeIfname})

	if err := setupForwardRules(bridgeIfname, up.Ifname); err != nil {
		logger.Errorf("Failed to create forward rules: %v", err)
		return false
	}
	if err := setupMasquerade(bridgeIfname, up.Ifname); err != nil {
		logger.Errorf("Failed to create masquerade rules: %v", err)
		deleteForwardRules(bridgeIfname)
		return false
	}
	return true
}

func (d *Linux) StopRoutingDevice(up uplink.Network, bridgeIfname string) {
	logger := log.WithFields(log.Fields{"uplink": up.Ifname, "bridge": bridgeIfname})

	fwdErr := deleteForwardRules(bridgeIfname)
	masqErr := deleteMasquerade(bridgeIfname)
	if fwdErr != nil || masqErr != nil {
		multierr := multierror.Of(fwdErr, masqErr)
		logger.Errorf("Failed to stop routing device: %v", multierr)
	}
}

// AddInboundIPv4DNAT translates all inbound IPv4 traffic of the uplink to the
// guest address target.
func (d *Linux) AddInboundIPv4DNAT(up uplink.Network, target net.IP) bool {
	logger := log.WithFields(log.Fields{"uplink": up.Ifname, "target": target})

	if err := setupInboundDNAT(up.Ifname, target); err != nil {
		logger.Errorf("Failed to create inbound DNAT rule: %v", err)
		return false
	}
	return true
}

func (d *Linux) RemoveInboundIPv4DNAT(up uplink.Network, target net.IP) {
	logger := log.WithFields(log.Fields{"uplink": up.Ifname, "target": target})

	if err := deleteInboundDNAT(up.Ifname, target); err != nil {
		logger.Errorf("Failed to delete inbound DNAT rule: %v", err)
	}
}

// AddAdbPortAccessRule accepts inbound debug-bridge connections on an uplink
// interface.
func (d *Linux) AddAdbPortAccessRule(ifname string) bool {
	err := d.ipt.AppendUnique("filter", "INPUT",
		"-i", ifname, "-p", "tcp", "--dport", adbPort, "-j", "ACCEPT")
	if err != nil {
		log.WithFields(log.Fields{"uplink": ifname}).Errorf("Failed to add adb access rule: %v", err)
		return false
	}
	return true
}

func (d *Linux) DeleteAdbPortAccessRule(ifname string) {
	err := d.ipt.Delete("filter", "INPUT",
		"-i", ifname, "-p", "tcp", "--dport", adbPort, "-j", "ACCEPT")
	if err != nil {
		log.WithFields(log.Fields{"uplink": ifname}).Errorf("Failed to delete adb access rule: %v", err)
	}
}

// StartRoutingNamespace connects a routed namespace to the host with a veth
// pair and routes its traffic through the outbound uplink, if any. If the
// namespace is not owned by a running process a fresh named namespace is
// created.
func (d *Linux) StartRoutingNamespace(ns *ConnectedNamespace) bool {
	logger := log.WithFields(log.Fields{"netns": ns.NetnsName})

	if ns.Pid > 0 {
		if !d.NetnsAttachName(ns.NetnsName, ns.Pid) {
			return false
		}
	} else if !d.createNamedNetns(ns.NetnsName) {
		return false
	}

	if !d.ConnectVethPair(ns.Pid, ns.NetnsName, ns.HostIfname, ns.PeerIfname, ns.PeerMAC, ns.PeerCIDR, false) {
		d.NetnsDeleteName(ns.NetnsName)
		return false
	}

	if err := d.configureNamespaceHost(ns); err != nil {
		logger.Errorf("Failed to configure host half: %v", err)
		d.RemoveInterface(ns.HostIfname)
		d.NetnsDeleteName(ns.NetnsName)
		return false
	}

	if err := d.addNamespaceRoutes(ns); err != nil {
		logger.Errorf("Failed to add namespace routes: %v", err)
		d.RemoveInterface(ns.HostIfname)
		d.NetnsDeleteName(ns.NetnsName)
		return false
	}

	if ns.Outbound != nil {
		if !d.StartRoutingDevice(*ns.Outbound, ns.HostIfname) {
			d.RemoveInterface(ns.HostIfname)
			d.NetnsDeleteName(ns.NetnsName)
			return false
		}
	}

	logger.Info("Started routing namespace")
	return true
}

// createNamedNetns creates a fresh network namespace bound under /run/netns.
// netns.NewNamed switches the calling thread into the new namespace, so the
// thread is pinned and restored around the call.
func (d *Linux) createNamedNetns(name string) bool {
	logger := log.WithFields(log.Fields{"netns": name})

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	hostNsHandle, err := netns.Get()
	if err != nil {
		logger.Errorf("Failed to get host netns: %v", err)
		return false
	}
	defer hostNsHandle.Close()

	nsHandle, err := netns.NewNamed(name)
	if err != nil {
		logger.Errorf("Failed to create netns: %v", err)
		return false
	}
	nsHandle.Close()

	if err := netns.Set(hostNsHandle); err != nil {
		logger.Errorf("Failed to return to host netns: %v", err)
		return false
	}
	return true
}

func (d *Linux) configureNamespaceHost(ns *ConnectedNamespace) error {
	host, err := netlink.LinkByName(ns.HostIfname)
	if err != nil {
		return errors.Wrapf(err, "finding host interface")
	}
	if ns.HostMAC != nil {
		if err := netlink.LinkSetHardwareAddr(host, ns.HostMAC); err != nil {
			return errors.Wrapf(err, "setting host MAC address")
		}
	}
	if err := netlink.AddrAdd(host, &netlink.Addr{IPNet: ns.HostCIDR}); err != nil {
		return errors.Wrapf(err, "adding host address")
	}
	if err := netlink.LinkSetUp(host); err != nil {
		return errors.Wrapf(err, "enabling host interface")
	}
	return nil
}

// addNamespaceRoutes installs the default route of the namespace through the
// host half of the veth pair.
func (d *Linux) addNamespaceRoutes(ns *ConnectedNamespace) error {
	var nsh netns.NsHandle
	var err error
	if ns.Pid > 0 {
		nsh, err = netns.GetFromPid(ns.Pid)
	} else {
		nsh, err = netns.GetFromName(ns.NetnsName)
	}
	if err != nil {
		return errors.Wrapf(err, "getting netns")
	}
	defer nsh.Close()

	nlh, err := netlink.NewHandleAt(nsh)
	if err != nil {
		return errors.Wrapf(err, "opening netlink handle in netns")
	}
	defer nlh.Delete()

	defaultRoute := &netlink.Route{
		Dst: nil,
		Gw:  ns.HostCIDR.IP,
	}
	if err := nlh.RouteAdd(defaultRoute); err != nil {
		return errors.Wrapf(err, "adding default route")
	}
	return nil
}

func (d *Linux) StopRoutingNamespace(ns *ConnectedNamespace) {
	if ns.Outbound != nil {
		d.StopRoutingDevice(*ns.Outbound, ns.HostIfname)
	}
	d.RemoveInterface(ns.HostIfname)
	d.NetnsDeleteName(ns.NetnsName)
	log.WithFields(log.Fields{"netns": ns.NetnsName}).Info("Stopped routing namespace")
}

// StartDownstreamNetwork configures an existing local interface as the gateway
// of a downstream network and forwards it to the upstream uplink, if any.
func (d *Linux) StartDownstreamNetwork(dn *DownstreamNetwork) bool {
	logger := log.WithFields(log.Fields{"downstream": dn.DownstreamIfname})

	link, err := netlink.LinkByName(dn.DownstreamIfname)
	if err != nil {
		logger.Errorf("Could not find downstream interface: %v", err)
		return false
	}
	if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: dn.GatewayCIDR}); err != nil {
		logger.Errorf("Could not add gateway address: %v", err)
		return false
	}
	if err := netlink.LinkSetUp(link); err != nil {
		logger.Errorf("Downstream interface could not be enabled: %v", err)
		netlink.AddrDel(link, &netlink.Addr{IPNet: dn.GatewayCIDR})
		return false
	}

	if dn.Upstream != nil {
		if !d.StartRoutingDevice(*dn.Upstream, dn.DownstreamIfname) {
			netlink.AddrDel(link, &netlink.Addr{IPNet: dn.GatewayCIDR})
			return false
		}
	}

	logger.Info("Started downstream network")
	return true
}

func (d *Linux) StopDownstreamNetwork(dn *DownstreamNetwork) {
	logger := log.WithFields(log.Fields{"downstream": dn.DownstreamIfname})

	if dn.Upstream != nil {
		d.StopRoutingDevice(*dn.Upstream, dn.DownstreamIfname)
	}

	link, err := netlink.LinkByName(dn.DownstreamIfname)
	if err != nil {
		logger.Warn("Could not find downstream interface")
		return
	}
	if err := netlink.AddrDel(link, &netlink.Addr{IPNet: dn.GatewayCIDR}); err != nil {
		logger.Errorf("Could not remove gateway address: %v", err)
	}
	logger.Info("Stopped downstream network")
}

// StartDNSRedirection redirects DNS queries to a proxy address. Guest rules
// match queries entering on the guest interface; user and default rules match
// queries the host itself sends to the configured nameservers.
func (d *Linux) StartDNSRedirection(rule *DNSRedirectRule) bool {
	logger := log.WithFields(log.Fields{"input": rule.InputIfname, "proxy": rule.ProxyAddress})

	for _, spec := range dnsRedirectSpecs(rule) {
		if err := d.ipt.AppendUnique("nat", spec.chain, spec.args...); err != nil {
			logger.Errorf("Failed to add DNS redirect rule: %v", err)
			d.StopDNSRedirection(rule)
			return false
		}
	}
	return true
}

func (d *Linux) StopDNSRedirection(rule *DNSRedirectRule) {
	logger := log.WithFields(log.Fields{"input": rule.InputIfname, "proxy": rule.ProxyAddress})

	for _, spec := range dnsRedirectSpecs(rule) {
		if err := d.ipt.DeleteIfExists("nat", spec.chain, spec.args...); err != nil {
			logger.Errorf("Failed to delete DNS redirect rule: %v", err)
		}
	}
}

type iptSpec struct {
	chain string
	args  []string
}

func dnsRedirectSpecs(rule *DNSRedirectRule) []iptSpec {
	var specs []iptSpec
	switch rule.Type {
	case DNSRedirectGuest:
		for _, proto := range []string{"udp", "tcp"} {
			specs = append(specs, iptSpec{
				chain: "PREROUTING",
				args: []string{"-i", rule.InputIfname, "-p", proto, "--dport", dnsPort,
					"-j", "DNAT", "--to-destination", rule.ProxyAddress.String()},
			})
		}
	case DNSRedirectUser, DNSRedirectDefault:
		for _, nameserver := range rule.Nameservers {
			for _, proto := range []string{"udp", "tcp"} {
				specs = append(specs, iptSpec{
					chain: "OUTPUT",
					args: []string{"-d", nameserver.String(), "-p", proto, "--dport", dnsPort,
						"-j", "DNAT", "--to-destination", rule.ProxyAddress.String()},
				})
			}
		}
	}
	return specs
}

// nftables plumbing. Rules are tagged through UserData with the downstream
// interface name so teardown can find them without tracking rule handles.

func forwardTag(downIfname string) []byte {
	return []byte(fmt.Sprintf("%s-%s", forwardChain, downIfname))
}

func masqTag(downIfname string) []byte {
	return []byte(fmt.Sprintf("%s-%s", masqChain, downIfname))
}

func dnatTag(upIfname string, target net.IP) []byte {
	return []byte(fmt.Sprintf("%s-%s-%s", dnatChain, upIfname, target))
}

func ifnameData(ifname string) []byte {
	return []byte(fmt.Sprintf("%s\x00", ifname))
}

// setupForwardRules accepts forwarded traffic between a downstream interface
// and its uplink in both directions.
func setupForwardRules(downIfname, upIfname string) error {
	conn := nftables.Conn{}

	filterTable := &nftables.Table{
		Name:   "filter",
		Family: nftables.TableFamilyIPv4,
	}

	polAccept := nftables.ChainPolicyAccept
	fwdCh := &nftables.Chain{
		Name:     forwardChain,
		Table:    filterTable,
		Type:     nftables.ChainTypeFilter,
		Priority: nftables.ChainPriorityRef(0),
		Hooknum:  nftables.ChainHookForward,
		Policy:   &polAccept,
	}

	// add rule ip filter guestnet-forward iifname <down> oifname <up> accept
	outRule := &nftables.Rule{
		Table:    filterTable,
		Chain:    fwdCh,
		UserData: forwardTag(downIfname),
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     ifnameData(downIfname),
			},
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     ifnameData(upIfname),
			},
			&expr.Verdict{
				Kind: expr.VerdictAccept,
			},
		},
	}

	// add rule ip filter guestnet-forward iifname <up> oifname <down> accept
	inRule := &nftables.Rule{
		Table:    filterTable,
		Chain:    fwdCh,
		UserData: forwardTag(downIfname),
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     ifnameData(downIfname),
			},
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     ifnameData(upIfname),
			},
			&expr.Verdict{
				Kind: expr.VerdictAccept,
			},
		},
	}

	conn.AddTable(filterTable)
	conn.AddChain(fwdCh)
	conn.AddRule(outRule)
	conn.AddRule(inRule)

	if err := conn.Flush(); err != nil {
		return errors.Wrapf(err, "creating forward rules")
	}
	return nil
}

func deleteForwardRules(downIfname string) error {
	conn := nftables.Conn{}

	filterTable := &nftables.Table{
		Name:   "filter",
		Family: nftables.TableFamilyIPv4,
	}
	fwdCh := &nftables.Chain{
		Name:  forwardChain,
		Table: filterTable,
	}

	rules, err := conn.GetRules(filterTable, fwdCh)
	if err != nil {
		return errors.Wrapf(err, "deleting forward rules")
	}

	tag := string(forwardTag(downIfname))
	for _, rule := range rules {
		if string(rule.UserData) == tag {
			if err := conn.DelRule(rule); err != nil {
				return errors.Wrapf(err, "deleting forward rules")
			}
		}
	}

	if err := conn.Flush(); err != nil {
		return errors.Wrapf(err, "deleting forward rules")
	}
	return nil
}

// setupMasquerade masquerades traffic entering on a downstream interface and
// leaving through its uplink.
func setupMasquerade(downIfname, upIfname string) error {
	conn := nftables.Conn{}

	natTable := &nftables.Table{
		Name:   "nat",
		Family: nftables.TableFamilyIPv4,
	}

	polAccept := nftables.ChainPolicyAccept
	natCh := &nftables.Chain{
		Name:     masqChain,
		Table:    natTable,
		Type:     nftables.ChainTypeNAT,
		Priority: nftables.ChainPriorityRef(0),
		Hooknum:  nftables.ChainHookPostrouting,
		Policy:   &polAccept,
	}

	// add rule ip nat guestnet-masq iifname <down> oifname <up> masquerade
	masqRule := &nftables.Rule{
		Table:    natTable,
		Chain:    natCh,
		UserData: masqTag(downIfname),
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     ifnameData(downIfname),
			},
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 2},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 2,
				Data:     ifnameData(upIfname),
			},
			&expr.Masq{},
		},
	}

	conn.AddTable(natTable)
	conn.AddChain(natCh)
	conn.AddRule(masqRule)
	if err := conn.Flush(); err != nil {
		return errors.Wrapf(err, "creating masquerade rules")
	}
	return nil
}

func deleteMasquerade(downIfname string) error {
	conn := nftables.Conn{}

	natTable := &nftables.Table{
		Name:   "nat",
		Family: nftables.TableFamilyIPv4,
	}
	natCh := &nftables.Chain{
		Name:  masqChain,
		Table: natTable,
	}

	rules, err := conn.GetRules(natTable, natCh)
	if err != nil {
		return errors.Wrapf(err, "deleting masquerade rules")
	}

	tag := string(masqTag(downIfname))
	for _, rule := range rules {
		if string(rule.UserData) == tag {
			if err := conn.DelRule(rule); err != nil {
				return errors.Wrapf(err, "deleting masquerade rules")
			}
		}
	}

	if err := conn.Flush(); err != nil {
		return errors.Wrapf(err, "deleting masquerade rules")
	}
	return nil
}

// setupInboundDNAT translates all IPv4 traffic entering on an uplink to a
// guest address.
func setupInboundDNAT(upIfname string, target net.IP) error {
	conn := nftables.Conn{}

	natTable := &nftables.Table{
		Name:   "nat",
		Family: nftables.TableFamilyIPv4,
	}

	polAccept := nftables.ChainPolicyAccept
	preRouteCh := &nftables.Chain{
		Name:     dnatChain,
		Table:    natTable,
		Type:     nftables.ChainTypeNAT,
		Priority: nftables.ChainPriorityRef(0),
		Hooknum:  nftables.ChainHookPrerouting,
		Policy:   &polAccept,
	}

	// add rule ip nat guestnet-dnat iifname <up> dnat to <target>
	dnatRule := &nftables.Rule{
		Table:    natTable,
		Chain:    preRouteCh,
		UserData: dnatTag(upIfname, target),
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     ifnameData(upIfname),
			},
			&expr.Immediate{
				Register: 1,
				Data:     target.To4(),
			},
			&expr.NAT{
				Type:       expr.NATTypeDestNAT,
				Family:     unix.NFPROTO_IPV4,
				RegAddrMin: 1,
			},
		},
	}

	conn.AddTable(natTable)
	conn.AddChain(preRouteCh)
	conn.AddRule(dnatRule)
	if err := conn.Flush(); err != nil {
		return errors.Wrapf(err, "creating inbound DNAT rule")
	}
	return nil
}

func deleteInboundDNAT(upIfname string, target net.IP) error {
	conn := nftables.Conn{}

	natTable := &nftables.Table{
		Name:   "nat",
		Family: nftables.TableFamilyIPv4,
	}
	preRouteCh := &nftables.Chain{
		Name:  dnatChain,
		Table: natTable,
	}

	rules, err := conn.GetRules(natTable, preRouteCh)
	if err != nil {
		return errors.Wrapf(err, "deleting inbound DNAT rule")
	}

	tag := string(dnatTag(upIfname, target))
	for _, rule := range rules {
		if string(rule.UserData) == tag {
			if err := conn.DelRule(rule); err != nil {
				return errors.Wrapf(err, "deleting inbound DNAT rule")
			}
		}
	}

	if err := conn.Flush(); err != nil {
		return errors.Wrapf(err, "deleting inbound DNAT rule")
	}
	return nil
}
