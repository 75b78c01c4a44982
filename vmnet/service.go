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

// Package vmnet manages the network devices of application VMs. Each VM gets
// a single tap device routed directly to the current default uplink, without
// a bridge in between.
package vmnet

import (
	"net"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vhive-serverless/guestnet/addressing"
	"github.com/vhive-serverless/guestnet/datapath"
	"github.com/vhive-serverless/guestnet/forwarding"
	"github.com/vhive-serverless/guestnet/metrics"
	"github.com/vhive-serverless/guestnet/uplink"
)

const serviceLabel = "vmnet"

// defaultTapOwner is the user owning the VM tap devices.
const defaultTapOwner = "guestnet"

// VMType is the flavor of an application VM.
type VMType int

const (
	// TypeLinux is an application Linux VM. Its subnet comes from the
	// shared Linux VM pool and its hardware address is random.
	TypeLinux VMType = iota
	// TypeUser is a user VM addressed by slot. Its subnet and hardware
	// address are stable for the slot, so the VM keeps its addressing
	// across restarts.
	TypeUser
)

func (t VMType) String() string {
	switch t {
	case TypeLinux:
		return "linux"
	case TypeUser:
		return "user"
	}
	return "unknown"
}

// Device is the network device of one application VM.
type Device struct {
	VMID      uint64
	Type      VMType
	TapIfname string
	mac       net.HardwareAddr
	subnet    *addressing.Subnet
}

// MAC returns the hardware address of the VM interface.
func (d *Device) MAC() net.HardwareAddr {
	return d.mac
}

// Subnet returns the IPv4 subnet of the VM.
func (d *Device) Subnet() *addressing.Subnet {
	return d.subnet
}

// GatewayIPv4 returns the host-side address of the tap device.
func (d *Device) GatewayIPv4() net.IP {
	return d.subnet.AddressAtOffset(0)
}

// GuestIPv4 returns the address the VM uses on its interface.
func (d *Device) GuestIPv4() net.IP {
	return d.subnet.AddressAtOffset(1)
}

// Service creates and routes application VM devices.
type Service struct {
	dp       datapath.Datapath
	addrs    *addressing.AddressManager
	fwd      forwarding.Service
	recorder metrics.Recorder
	tapOwner string

	mu      sync.Mutex
	devices map[uint64]*Device
	// defaultUplink is the uplink VM traffic is currently routed through,
	// nil when the host is offline.
	defaultUplink *uplink.Network
}

// NewService creates the service. recorder may be nil.
func NewService(dp datapath.Datapath, addrs *addressing.AddressManager, fwd forwarding.Service, recorder metrics.Recorder) *Service {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Service{
		dp:       dp,
		addrs:    addrs,
		fwd:      fwd,
		recorder: recorder,
		tapOwner: defaultTapOwner,
		devices:  make(map[uint64]*Device),
	}
}

// Start creates the tap device for a VM. slot is only meaningful for TypeUser
// and selects the stable subnet of the VM; it must be 0 for TypeLinux. A VM
// already started is torn down and recreated.
func (s *Service) Start(vmID uint64, vmType VMType, slot uint32) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := log.WithFields(log.Fields{"vm": vmID, "type": vmType})

	if _, ok := s.devices[vmID]; ok {
		logger.Warn("VM already started, recreating its device")
		s.stopLocked(vmID)
	}

	var subnet *addressing.Subnet
	var mac net.HardwareAddr
	switch vmType {
	case TypeLinux:
		subnet = s.addrs.AllocateIPv4Subnet(addressing.GuestTypeLinuxVM, addressing.AnySlot)
		mac = s.addrs.GenerateMACAddress()
	case TypeUser:
		subnet = s.addrs.AllocateIPv4Subnet(addressing.GuestTypeUserVM, slot)
		mac = s.addrs.GetStableMACAddress(slot)
	default:
		return nil, errors.Errorf("unknown VM type %d", vmType)
	}
	if subnet == nil {
		s.recorder.DeviceEvent(serviceLabel, metrics.EventAddFailed)
		return nil, errors.Errorf("allocating subnet for %s VM %d", vmType, vmID)
	}

	tap := s.dp.AddTunTap("", mac, subnet.CIDRAtOffset(0), s.tapOwner, datapath.ModeTap)
	if tap == "" {
		subnet.Release()
		s.recorder.DeviceEvent(serviceLabel, metrics.EventAddFailed)
		return nil, errors.Errorf("creating tap for %s VM %d", vmType, vmID)
	}

	device := &Device{
		VMID:      vmID,
		Type:      vmType,
		TapIfname: tap,
		mac:       mac,
		subnet:    subnet,
	}
	s.devices[vmID] = device

	if s.defaultUplink != nil {
		s.startRoutingLocked(device)
	}

	logger.WithFields(log.Fields{"tap": tap, "subnet": subnet}).Info("VM device started")
	s.recorder.DeviceEvent(serviceLabel, metrics.EventAdded)
	return device, nil
}

// Stop tears down the device of a VM and releases its subnet.
func (s *Service) Stop(vmID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[vmID]; !ok {
		log.WithFields(log.Fields{"vm": vmID}).Warn("VM not started")
		return
	}
	s.stopLocked(vmID)
	s.recorder.DeviceEvent(serviceLabel, metrics.EventRemoved)
}

func (s *Service) stopLocked(vmID uint64) {
	device := s.devices[vmID]
	if s.defaultUplink != nil {
		s.stopRoutingLocked(device)
	}
	s.dp.RemoveTunTap(device.TapIfname, datapath.ModeTap)
	device.subnet.Release()
	delete(s.devices, vmID)
	log.WithFields(log.Fields{"vm": vmID, "tap": device.TapIfname}).Info("VM device stopped")
}

// OnDefaultUplinkChanged reroutes every VM device to the new default uplink.
// A nil uplink stops routing: the host went offline.
func (s *Service) OnDefaultUplinkChanged(up *uplink.Network) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.defaultUplink != nil {
		for _, device := range s.devices {
			s.stopRoutingLocked(device)
		}
	}
	s.defaultUplink = up
	if s.defaultUplink != nil {
		for _, device := range s.devices {
			s.startRoutingLocked(device)
		}
	}
}

func (s *Service) startRoutingLocked(device *Device) {
	s.dp.StartRoutingDevice(*s.defaultUplink, device.TapIfname)
	s.fwd.StartForwarding(*s.defaultUplink, device.TapIfname, forwarding.Set{IPv6: true})
}

func (s *Service) stopRoutingLocked(device *Device) {
	s.fwd.StopForwarding(*s.defaultUplink, device.TapIfname, forwarding.AllSet())
	s.dp.StopRoutingDevice(*s.defaultUplink, device.TapIfname)
}

// GetDevice returns the device of a VM, or nil if the VM is not started.
func (s *Service) GetDevice(vmID uint64) *Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[vmID]
}

// GetDevices returns all VM devices ordered by VM id.
func (s *Service) GetDevices() []*Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Device, 0, len(s.devices))
	for _, device := range s.devices {
		out = append(out, device)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VMID < out[j].VMID })
	return out
}
