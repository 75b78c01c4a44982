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
	"sync"

	"github.com/vhive-serverless/guestnet/uplink"
)

// Fake is an in-memory Datapath for tests. It tracks the virtual devices and
// rules that would exist on the host and can be told to fail the next call of
// a given operation.
type Fake struct {
	mu sync.Mutex

	// Calls is the ordered log of every operation, formatted as
	// "op(arg, ...)".
	Calls []string

	Bridges       map[string]bool
	BridgeSlaves  map[string]string // member ifname -> bridge
	Taps          map[string]bool
	Veths         map[string]bool // host half name
	NetnsNames    map[string]bool
	RoutedBridges map[string]bool
	AdbRules      map[string]bool
	DNATRules     map[string]bool
	Namespaces    map[string]*ConnectedNamespace
	Downstreams   map[string]*DownstreamNetwork
	DNSRules      map[string]*DNSRedirectRule

	tapCounter int
	failNext   map[string]int
	failCalls  map[string]map[int]bool
	callCounts map[string]int
}

var _ Datapath = (*Fake)(nil)

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{
		Bridges:       make(map[string]bool),
		BridgeSlaves:  make(map[string]string),
		Taps:          make(map[string]bool),
		Veths:         make(map[string]bool),
		NetnsNames:    make(map[string]bool),
		RoutedBridges: make(map[string]bool),
		AdbRules:      make(map[string]bool),
		DNATRules:     make(map[string]bool),
		Namespaces:    make(map[string]*ConnectedNamespace),
		Downstreams:   make(map[string]*DownstreamNetwork),
		DNSRules:      make(map[string]*DNSRedirectRule),
		failNext:      make(map[string]int),
		failCalls:     make(map[string]map[int]bool),
		callCounts:    make(map[string]int),
	}
}

// FailNext makes the next call of op fail. op is the method name, e.g.
// "AddBridge".
func (f *Fake) FailNext(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op]++
}

// FailCall makes the nth upcoming call of op fail, counting from 1; calls
// before it succeed.
func (f *Fake) FailCall(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCalls[op] == nil {
		f.failCalls[op] = make(map[int]bool)
	}
	f.failCalls[op][f.callCounts[op]+n] = true
}

func (f *Fake) record(op string, args ...interface{}) bool {
	call := op + "("
	for i, arg := range args {
		if i > 0 {
			call += ", "
		}
		call += fmt.Sprintf("%v", arg)
	}
	call += ")"
	f.Calls = append(f.Calls, call)

	f.callCounts[op]++
	if f.failNext[op] > 0 {
		f.failNext[op]--
		return false
	}
	if f.failCalls[op][f.callCounts[op]] {
		return false
	}
	return true
}

func (f *Fake) NetnsAttachName(netnsName string, pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.record("NetnsAttachName", netnsName, pid) {
		return false
	}
	f.NetnsNames[netnsName] = true
	return true
}

func (f *Fake) NetnsDeleteName(netnsName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.record("NetnsDeleteName", netnsName) {
		return false
	}
	delete(f.NetnsNames, netnsName)
	return true
}

func (f *Fake) AddBridge(ifname string, cidr *net.IPNet) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.record("AddBridge", ifname, cidr) {
		return false
	}
	f.Bridges[ifname] = true
	return true
}

func (f *Fake) RemoveBridge(ifname string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.record("RemoveBridge", ifname) {
		return false
	}
	delete(f.Bridges, ifname)
	for member, bridge := range f.BridgeSlaves {
		if bridge == ifname {
			delete(f.BridgeSlaves, member)
		}
	}
	return true
}

func (f *Fake) AddToBridge(bridgeIfname, ifname string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.record("AddToBridge", bridgeIfname, ifname) {
		return false
	}
	if !f.Bridges[bridgeIfname] {
		return false
	}
	f.BridgeSlaves[ifname] = bridgeIfname
	return true
}

func (f *Fake) AddTunTap(name string, mac net.HardwareAddr, cidr *net.IPNet, user string, mode DeviceMode) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "" {
		name = fmt.Sprintf("tap%d", f.tapCounter)
		f.tapCounter++
	}
	if !f.record("AddTunTap", name, mac, user) {
		return ""
	}
	f.Taps[name] = true
	return name
}

func (f *Fake) RemoveTunTap(ifname string, mode DeviceMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RemoveTunTap", ifname)
	delete(f.Taps, ifname)
	delete(f.BridgeSlaves, ifname)
}

func (f *Fake) ConnectVethPair(pid int, netnsName, vethIfname, peerIfname string, peerMAC net.HardwareAddr, peerCIDR *net.IPNet, enableMulticast bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.record("ConnectVethPair", pid, netnsName, vethIfname, peerIfname) {
		return false
	}
	f.Veths[vethIfname] = true
	return true
}

func (f *Fake) RemoveInterface(ifname string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RemoveInterface", ifname)
	delete(f.Veths, ifname)
	delete(f.BridgeSlaves, ifname)
}

func (f *Fake) StartRoutingDevice(up uplink.Network, bridgeIfname string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.record("StartRoutingDevice", up.Ifname, bridgeIfname) {
		return false
	}
	f.RoutedBridges[bridgeIfname] = true
	return true
}

func (f *Fake) StopRoutingDevice(up uplink.Network, bridgeIfname string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StopRoutingDevice", up.Ifname, bridgeIfname)
	delete(f.RoutedBridges, bridgeIfname)
}

func (f *Fake) AddInboundIPv4DNAT(up uplink.Network, target net.IP) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := up.Ifname + "->" + target.String()
	if !f.record("AddInboundIPv4DNAT", up.Ifname, target) {
		return false
	}
	f.DNATRules[key] = true
	return true
}

func (f *Fake) RemoveInboundIPv4DNAT(up uplink.Network, target net.IP) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RemoveInboundIPv4DNAT", up.Ifname, target)
	delete(f.DNATRules, up.Ifname+"->"+target.String())
}

func (f *Fake) AddAdbPortAccessRule(ifname string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.record("AddAdbPortAccessRule", ifname) {
		return false
	}
	f.AdbRules[ifname] = true
	return true
}

func (f *Fake) DeleteAdbPortAccessRule(ifname string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteAdbPortAccessRule", ifname)
	delete(f.AdbRules, ifname)
}

func (f *Fake) StartRoutingNamespace(ns *ConnectedNamespace) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.record("StartRoutingNamespace", ns.NetnsName) {
		return false
	}
	f.Namespaces[ns.NetnsName] = ns
	return true
}

func (f *Fake) StopRoutingNamespace(ns *ConnectedNamespace) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StopRoutingNamespace", ns.NetnsName)
	delete(f.Namespaces, ns.NetnsName)
}

func (f *Fake) StartDownstreamNetwork(dn *DownstreamNetwork) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.record("StartDownstreamNetwork", dn.DownstreamIfname) {
		return false
	}
	f.Downstreams[dn.DownstreamIfname] = dn
	return true
}

func (f *Fake) StopDownstreamNetwork(dn *DownstreamNetwork) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StopDownstreamNetwork", dn.DownstreamIfname)
	delete(f.Downstreams, dn.DownstreamIfname)
}

func (f *Fake) StartDNSRedirection(rule *DNSRedirectRule) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.record("StartDNSRedirection", rule.InputIfname, rule.ProxyAddress) {
		return false
	}
	f.DNSRules[rule.InputIfname+"->"+rule.ProxyAddress.String()] = rule
	return true
}

func (f *Fake) StopDNSRedirection(rule *DNSRedirectRule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StopDNSRedirection", rule.InputIfname, rule.ProxyAddress)
	delete(f.DNSRules, rule.InputIfname+"->"+rule.ProxyAddress.String())
}
