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

// Package guest manages the virtual network devices of the primary guest: one
// management device that always exists while the guest runs, plus one device
// per uplink network the guest is bridged to. The guest runs either as a
// container sharing the host kernel or as a VM, with VM devices backed by tap
// devices that are created upfront (static) or attached at runtime (hotplug).
package guest

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/vhive-serverless/guestnet/uplink"
)

// Kind is the flavor of the primary guest.
type Kind int

const (
	// KindContainer runs the guest as a container; guest devices are veth
	// pairs into the container network namespace.
	KindContainer Kind = iota
	// KindVMStatic runs the guest as a VM with all tap devices created at
	// startup and a fixed guest interface order.
	KindVMStatic
	// KindVMHotplug runs the guest as a VM whose tap devices are attached
	// and detached through the VM manager while it runs.
	KindVMHotplug
)

func (k Kind) String() string {
	switch k {
	case KindContainer:
		return "container"
	case KindVMStatic:
		return "vm-static"
	case KindVMHotplug:
		return "vm-hotplug"
	}
	return "unknown"
}

// IsVM reports whether guest devices are backed by tap devices.
func (k Kind) IsVM() bool {
	return k == KindVMStatic || k == KindVMHotplug
}

const (
	// mgmtBridgeIfname is the host bridge of the management device.
	mgmtBridgeIfname = "gnbr0"
	// mgmtGuestIfname is the management interface name inside the guest.
	mgmtGuestIfname = "gn0"
	// mgmtVethIfname is the host half of the container management veth.
	mgmtVethIfname = "vethgn0"
	// guestNetnsName is the persistent name bound to the container network
	// namespace while the guest runs.
	guestNetnsName = "gn_guest"
)

// ifnameMaxLen is IFNAMSIZ minus the trailing NUL.
const ifnameMaxLen = 15

// truncateIfname shortens an interface name to fit IFNAMSIZ, keeping the last
// character so names differing only in a trailing index stay distinct.
func truncateIfname(name string) string {
	if len(name) <= ifnameMaxLen {
		return name
	}
	return name[:ifnameMaxLen-1] + name[len(name)-1:]
}

// bridgeIfname returns the host bridge name for the guest device bridged to
// the uplink interface ifname.
func bridgeIfname(ifname string) string {
	return truncateIfname("gnb_" + ifname)
}

// vethIfname returns the host half name of the container veth pair for the
// uplink interface ifname.
func vethIfname(ifname string) string {
	return truncateIfname("veth" + ifname)
}

// guestIfnameForIndex returns the interface name the guest sees for a device
// at the given index. Index 0 is the management device.
func guestIfnameForIndex(index int) string {
	return fmt.Sprintf("eth%d", index)
}

// Device is a virtual network device of the guest. For uplink-bound devices
// UplinkName is the uplink network the device is bridged to; the management
// device has an empty UplinkName.
type Device struct {
	UplinkName   string
	GuestIfname  string
	BridgeIfname string
	// Technology is the technology advertised to the guest, mapped from
	// the uplink technology. TechnologyUnknown for the management device.
	Technology uplink.Technology
	Config     *Config
}

// Management reports whether this is the management device.
func (d *Device) Management() bool {
	return d.UplinkName == ""
}

func (d *Device) String() string {
	if d.Management() {
		return fmt.Sprintf("{management, guest: %s}", d.GuestIfname)
	}
	return fmt.Sprintf("{uplink: %s, guest: %s, bridge: %s}", d.UplinkName, d.GuestIfname, d.BridgeIfname)
}

// DeviceEvent is a device lifecycle notification. ID is unique per event so
// observers can deduplicate replayed notifications.
type DeviceEvent struct {
	ID     uuid.UUID
	Device *Device
}

// Notifier observes guest device lifecycle events. Callbacks run while the
// service holds its lock and must not call back into it.
type Notifier interface {
	OnDeviceAdded(event DeviceEvent)
	OnDeviceRemoved(event DeviceEvent)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) OnDeviceAdded(event DeviceEvent) {}

func (NopNotifier) OnDeviceRemoved(event DeviceEvent) {}
