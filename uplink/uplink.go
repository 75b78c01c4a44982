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

// Package uplink describes the physical and logical host networks reported by
// the host network manager that guest devices can be bridged to.
package uplink

import "net"

// Technology is the link technology of an uplink network.
type Technology int

const (
	TechnologyUnknown Technology = iota
	TechnologyEthernet
	TechnologyEthernetEAP
	TechnologyWiFi
	TechnologyCellular
	TechnologyVPN
	TechnologyTunnel
	TechnologyLoopback
	TechnologyGuest
)

func (t Technology) String() string {
	switch t {
	case TechnologyEthernet:
		return "ethernet"
	case TechnologyEthernetEAP:
		return "ethernet-eap"
	case TechnologyWiFi:
		return "wifi"
	case TechnologyCellular:
		return "cellular"
	case TechnologyVPN:
		return "vpn"
	case TechnologyTunnel:
		return "tunnel"
	case TechnologyLoopback:
		return "loopback"
	case TechnologyGuest:
		return "guest"
	}
	return "unknown"
}

// ForGuest maps the uplink technology to the technology advertised on a guest
// device bridged to it. The second return value is false for technologies
// that guest devices cannot be bridged to (VPNs, tunnels, loopback, other
// guests, unknown links).
func (t Technology) ForGuest() (Technology, bool) {
	switch t {
	case TechnologyEthernet, TechnologyEthernetEAP:
		return TechnologyEthernet, true
	case TechnologyWiFi:
		return TechnologyWiFi, true
	case TechnologyCellular:
		return TechnologyCellular, true
	default:
		return TechnologyUnknown, false
	}
}

// ADBAllowed reports whether debug-bridge port access may be opened on
// uplinks of this technology.
func (t Technology) ADBAllowed() bool {
	switch t {
	case TechnologyEthernet, TechnologyEthernetEAP, TechnologyWiFi:
		return true
	default:
		return false
	}
}

// Network is an uplink network managed by the host network manager. Name is
// the stable device name advertised by the network manager and is the key
// used by event notifications; Ifname is the current local interface carrying
// the network and may differ from Name for multiplexed links.
type Network struct {
	Name       string
	Ifname     string
	Technology Technology
	// IPv4Addr is the current IPv4 address of the uplink, refreshed by IP
	// configuration change notifications.
	IPv4Addr net.IP
}

func (n Network) String() string {
	return n.Name + "(" + n.Technology.String() + ")"
}
