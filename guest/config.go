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

package guest

import (
	"net"

	"github.com/vhive-serverless/guestnet/addressing"
)

// Config is the addressing configuration of one guest device: an exclusive
// IPv4 subnet and a hardware address, plus the tap interface backing the
// device for VM guests. Configs are allocated once when the service is
// created and recycled across guest devices.
type Config struct {
	mac    net.HardwareAddr
	subnet *addressing.Subnet
	// tapIfname is the tap backing the device. For static VMs it is set at
	// guest startup and kept for the guest lifetime; for hotplug VMs it is
	// set while the device is attached.
	tapIfname string
}

// MAC returns the hardware address of the guest-facing interface.
func (c *Config) MAC() net.HardwareAddr {
	return c.mac
}

// Subnet returns the IPv4 subnet of the device.
func (c *Config) Subnet() *addressing.Subnet {
	return c.subnet
}

// TapIfname returns the tap interface backing the device, or "" if none.
func (c *Config) TapIfname() string {
	return c.tapIfname
}

// HostCIDR returns the host-side address of the device. The first usable
// address of the subnet belongs to the host bridge.
func (c *Config) HostCIDR() *net.IPNet {
	return c.subnet.CIDRAtOffset(0)
}

// GuestCIDR returns the guest-side address of the device. The second usable
// address of the subnet belongs to the guest.
func (c *Config) GuestCIDR() *net.IPNet {
	return c.subnet.CIDRAtOffset(1)
}

// GuestIPv4 returns the guest-side IPv4 address of the device.
func (c *Config) GuestIPv4() net.IP {
	return c.subnet.AddressAtOffset(1)
}

// HostIPv4 returns the host-side IPv4 address of the device.
func (c *Config) HostIPv4() net.IP {
	return c.subnet.AddressAtOffset(0)
}
