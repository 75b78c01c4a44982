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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vhive-serverless/guestnet/addressing"
	"github.com/vhive-serverless/guestnet/datapath"
	"github.com/vhive-serverless/guestnet/forwarding"
	"github.com/vhive-serverless/guestnet/metrics"
	"github.com/vhive-serverless/guestnet/uplink"
)

const (
	serviceLabel = "guest"

	// deviceConfigCount is the number of uplink-bound device configs kept
	// in the pool, one per uplink the guest can be bridged to at once.
	deviceConfigCount = 5

	// Stable MAC ids for VM guests, so tap devices keep their hardware
	// addresses across guest restarts. Id 1 is the management device, ids
	// 2..6 the uplink-bound device configs in pool order.
	stableMACManagementID = 1
	stableMACDeviceBaseID = 2

	// defaultTapOwner is the user owning the guest tap devices.
	defaultTapOwner = "guestnet"

	// ipv6RestartDelay is how long IPv6 forwarding stays down after an
	// uplink IP configuration change before the guest re-learns neighbors.
	ipv6RestartDelay = 300 * time.Millisecond
)

// Option configures a Service.
type Option func(*Service)

// WithConfigLeakOnFailure keeps the device config and any created tap out of
// the pool when adding a device fails halfway, instead of rolling back. This
// mirrors the historical behavior where a failed add left the resources
// behind for the VM manager to observe.
func WithConfigLeakOnFailure() Option {
	return func(s *Service) { s.leakConfigOnFailure = true }
}

// WithTapOwner sets the user owning created tap devices.
func WithTapOwner(user string) Option {
	return func(s *Service) { s.tapOwner = user }
}

// Service manages the network devices of the primary guest. The guest owns a
// management device whenever it runs, and one device per uplink network it is
// bridged to. Uplink networks are announced with AddDevice and RemoveDevice
// at any time; devices materialize while the guest runs and are replayed when
// it starts.
type Service struct {
	kind     Kind
	dp       datapath.Datapath
	addrs    *addressing.AddressManager
	fwd      forwarding.Service
	vmc      VMClient
	notifier Notifier
	recorder metrics.Recorder

	leakConfigOnFailure bool
	tapOwner            string

	mu      sync.Mutex
	started bool
	// id identifies the running guest: the container pid for containers,
	// the VM context id for VMs.
	id         uint32
	mgmtConfig *Config
	mgmtDevice *Device
	// available holds the device configs not bound to an uplink.
	available []*Config
	// devices maps uplink network names to materialized guest devices.
	devices map[string]*Device
	// uplinks tracks every announced uplink network for replay at Start.
	uplinks map[string]uplink.Network
	ifMgr   guestIfManager

	interactive       bool
	wifiMulticastLock bool
}

// NewService allocates the addressing configuration of the guest and returns
// the service. vmc is required for KindVMHotplug and ignored otherwise.
// Subnets and hardware addresses are held for the lifetime of the service.
func NewService(kind Kind, dp datapath.Datapath, addrs *addressing.AddressManager, fwd forwarding.Service,
	vmc VMClient, notifier Notifier, recorder metrics.Recorder, opts ...Option) (*Service, error) {
	if kind == KindVMHotplug && vmc == nil {
		return nil, errors.New("hotplug VM guests require a VM manager client")
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}

	s := &Service{
		kind:        kind,
		dp:          dp,
		addrs:       addrs,
		fwd:         fwd,
		vmc:         vmc,
		notifier:    notifier,
		recorder:    recorder,
		tapOwner:    defaultTapOwner,
		devices:     make(map[string]*Device),
		uplinks:     make(map[string]uplink.Network),
		interactive: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	mgmtSubnet := addrs.AllocateIPv4Subnet(addressing.GuestTypeManagement, addressing.AnySlot)
	if mgmtSubnet == nil {
		return nil, errors.New("allocating management subnet")
	}
	s.mgmtConfig = &Config{subnet: mgmtSubnet}
	if kind.IsVM() {
		s.mgmtConfig.mac = addrs.GetStableMACAddress(stableMACManagementID)
	} else {
		s.mgmtConfig.mac = addrs.GenerateMACAddress()
	}

	for i := 0; i < deviceConfigCount; i++ {
		subnet := addrs.AllocateIPv4Subnet(addressing.GuestTypeNetDevice, addressing.AnySlot)
		if subnet == nil {
			mgmtSubnet.Release()
			for _, cfg := range s.available {
				cfg.subnet.Release()
			}
			return nil, errors.Errorf("allocating device subnet %d", i)
		}
		cfg := &Config{subnet: subnet}
		if kind.IsVM() {
			cfg.mac = addrs.GetStableMACAddress(uint32(stableMACDeviceBaseID + i))
		} else {
			cfg.mac = addrs.GenerateMACAddress()
		}
		s.available = append(s.available, cfg)
	}

	return s, nil
}

// Start brings up the management device and materializes a guest device for
// every announced uplink. id is the container pid or the VM context id. A
// service already started is stopped first.
func (s *Service) Start(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		log.WithFields(log.Fields{"kind": s.kind, "id": s.id}).Warn("Guest already started, stopping previous instance")
		s.stopLocked()
	}
	s.id = id

	logger := log.WithFields(log.Fields{"kind": s.kind, "id": id})

	if !s.dp.AddBridge(mgmtBridgeIfname, s.mgmtConfig.HostCIDR()) {
		return errors.Errorf("creating management bridge %s", mgmtBridgeIfname)
	}

	switch s.kind {
	case KindContainer:
		if !s.dp.NetnsAttachName(guestNetnsName, int(id)) {
			s.dp.RemoveBridge(mgmtBridgeIfname)
			return errors.Errorf("attaching netns name to container %d", id)
		}
		// A recreated container must not inherit neighbor entries learned
		// from the previous instance's addresses, so every pool config gets
		// a fresh MAC.
		s.mgmtConfig.mac = s.addrs.GenerateMACAddress()
		for _, cfg := range s.available {
			cfg.mac = s.addrs.GenerateMACAddress()
		}
		if !s.dp.ConnectVethPair(int(id), guestNetnsName, mgmtVethIfname, mgmtGuestIfname,
			s.mgmtConfig.mac, s.mgmtConfig.GuestCIDR(), true) {
			s.dp.NetnsDeleteName(guestNetnsName)
			s.dp.RemoveBridge(mgmtBridgeIfname)
			return errors.Errorf("connecting management veth pair for container %d", id)
		}
		if !s.dp.AddToBridge(mgmtBridgeIfname, mgmtVethIfname) {
			s.dp.RemoveInterface(mgmtVethIfname)
			s.dp.NetnsDeleteName(guestNetnsName)
			s.dp.RemoveBridge(mgmtBridgeIfname)
			return errors.Errorf("bridging management veth %s", mgmtVethIfname)
		}

	case KindVMStatic, KindVMHotplug:
		tap := s.dp.AddTunTap("", s.mgmtConfig.mac, nil, s.tapOwner, datapath.ModeTap)
		if tap == "" {
			s.dp.RemoveBridge(mgmtBridgeIfname)
			return errors.New("creating management tap")
		}
		if !s.dp.AddToBridge(mgmtBridgeIfname, tap) {
			s.dp.RemoveTunTap(tap, datapath.ModeTap)
			s.dp.RemoveBridge(mgmtBridgeIfname)
			return errors.Errorf("bridging management tap %s", tap)
		}
		s.mgmtConfig.tapIfname = tap

		if s.kind == KindVMStatic {
			// A config whose tap cannot be created stays in the pool
			// without one; the guest starts with the taps that succeeded.
			taps := []string{tap}
			for i, cfg := range s.available {
				cfg.tapIfname = s.dp.AddTunTap("", cfg.mac, nil, s.tapOwner, datapath.ModeTap)
				if cfg.tapIfname == "" {
					logger.Errorf("Failed to create static guest tap for config %d", i)
					continue
				}
				taps = append(taps, cfg.tapIfname)
			}
			s.ifMgr = newStaticIfManager(taps)
		} else {
			s.ifMgr = newHotplugIfManager()
		}
	}

	s.mgmtDevice = &Device{
		GuestIfname:  mgmtGuestIfname,
		BridgeIfname: mgmtBridgeIfname,
		Config:       s.mgmtConfig,
	}
	s.started = true
	logger.Info("Guest started")
	s.notifyAddedLocked(s.mgmtDevice)

	for _, name := range sortedUplinkNames(s.uplinks) {
		s.addDeviceLocked(s.uplinks[name])
	}
	return nil
}

// Stop tears down all guest devices. For VM guests a stop with a stale id is
// ignored: a crashed-and-restarted VM may deliver its shutdown notification
// after the next instance already started.
func (s *Service) Stop(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		log.WithFields(log.Fields{"kind": s.kind}).Warn("Guest not started")
		return
	}
	if s.kind.IsVM() && id != s.id {
		log.WithFields(log.Fields{"kind": s.kind, "id": id, "current": s.id}).Warn("Ignoring stop for stale guest id")
		return
	}
	s.stopLocked()
}

func (s *Service) stopLocked() {
	for _, name := range sortedUplinkNames(s.uplinks) {
		if device, ok := s.devices[name]; ok {
			s.removeDeviceLocked(s.uplinks[name], device)
		}
	}

	switch s.kind {
	case KindContainer:
		s.dp.RemoveInterface(mgmtVethIfname)
		s.dp.NetnsDeleteName(guestNetnsName)
	case KindVMStatic, KindVMHotplug:
		s.removeGuestTapsLocked()
	}
	s.dp.RemoveBridge(mgmtBridgeIfname)

	if s.mgmtDevice != nil {
		s.notifyRemovedLocked(s.mgmtDevice)
		s.mgmtDevice = nil
	}
	s.ifMgr = nil
	// Forwarding flags do not carry over to the next instance.
	s.interactive = true
	s.wifiMulticastLock = false
	s.started = false
	log.WithFields(log.Fields{"kind": s.kind, "id": s.id}).Info("Guest stopped")
	s.id = 0
}

// removeGuestTapsLocked deletes the management tap and any taps still held by
// device configs.
func (s *Service) removeGuestTapsLocked() {
	if s.mgmtConfig.tapIfname != "" {
		s.dp.RemoveTunTap(s.mgmtConfig.tapIfname, datapath.ModeTap)
		s.mgmtConfig.tapIfname = ""
	}
	for _, cfg := range s.available {
		if cfg.tapIfname != "" {
			s.dp.RemoveTunTap(cfg.tapIfname, datapath.ModeTap)
			cfg.tapIfname = ""
		}
	}
}

// AddDevice announces an uplink network. If the guest runs and the uplink
// technology can be bridged, a guest device is materialized immediately;
// otherwise the uplink is remembered and replayed on the next Start.
func (s *Service) AddDevice(up uplink.Network) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.uplinks[up.Name] = up
	if !s.started {
		return
	}
	s.addDeviceLocked(up)
}

func (s *Service) addDeviceLocked(up uplink.Network) {
	logger := log.WithFields(log.Fields{"uplink": up.Name, "kind": s.kind})

	if _, ok := s.devices[up.Name]; ok {
		logger.Warn("Guest device already exists for uplink")
		return
	}

	guestTech, ok := up.Technology.ForGuest()
	if !ok {
		logger.Debugf("Uplink technology %s is not bridged to the guest", up.Technology)
		return
	}

	if len(s.available) == 0 {
		logger.Error("No device config available for uplink")
		s.recorder.DeviceEvent(serviceLabel, metrics.EventAddFailed)
		return
	}
	config := s.available[0]
	s.available = s.available[1:]

	var undo []func()
	fail := func(reason string) {
		logger.Errorf("Failed to add guest device: %s", reason)
		s.recorder.DeviceEvent(serviceLabel, metrics.EventAddFailed)
		if s.leakConfigOnFailure {
			logger.Warn("Leaking device config of failed guest device")
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		s.available = append(s.available, config)
	}

	bridge := bridgeIfname(up.Ifname)
	if !s.dp.AddBridge(bridge, config.HostCIDR()) {
		fail("creating bridge")
		return
	}
	undo = append(undo, func() { s.dp.RemoveBridge(bridge) })

	device := &Device{
		UplinkName:   up.Name,
		BridgeIfname: bridge,
		Technology:   guestTech,
		Config:       config,
	}

	switch s.kind {
	case KindContainer:
		veth := vethIfname(up.Ifname)
		if !s.dp.ConnectVethPair(int(s.id), guestNetnsName, veth, up.Ifname, config.mac, config.GuestCIDR(), true) {
			fail("connecting veth pair")
			return
		}
		undo = append(undo, func() { s.dp.RemoveInterface(veth) })
		if !s.dp.AddToBridge(bridge, veth) {
			fail("bridging veth")
			return
		}
		device.GuestIfname = up.Ifname

	case KindVMStatic:
		tap := config.tapIfname
		if tap == "" {
			fail("static guest tap missing")
			return
		}
		if !s.dp.AddToBridge(bridge, tap) {
			fail("bridging tap")
			return
		}
		name, ok := s.ifMgr.GuestIfname(tap)
		if !ok {
			fail("resolving guest interface name")
			return
		}
		device.GuestIfname = name

	case KindVMHotplug:
		tap := s.dp.AddTunTap("", config.mac, nil, s.tapOwner, datapath.ModeTap)
		if tap == "" {
			fail("creating tap")
			return
		}
		undo = append(undo, func() {
			s.dp.RemoveTunTap(tap, datapath.ModeTap)
			config.tapIfname = ""
		})
		config.tapIfname = tap
		if !s.dp.AddToBridge(bridge, tap) {
			fail("bridging tap")
			return
		}
		// The guest name is assigned eagerly; the VM manager confirms the
		// attachment (and its bus location) asynchronously.
		name, assigned := s.ifMgr.AddInterface(tap)
		if !assigned {
			fail("assigning guest interface name")
			return
		}
		device.GuestIfname = name
	}

	s.startDeviceDatapathLocked(up, device)
	s.devices[up.Name] = device

	if s.kind == KindVMHotplug {
		vmID := s.id
		tap := config.tapIfname
		go s.vmc.AttachTapDevice(vmID, tap, func(bus uint8, ok bool) {
			s.onTapAttached(up.Name, tap, bus, ok)
		})
	}

	s.notifyAddedLocked(device)
	s.recorder.DeviceEvent(serviceLabel, metrics.EventAdded)
}

// onTapAttached completes a hotplug device add once the VM manager answered.
// The callback can arrive after the guest stopped or after the uplink went
// away; stale answers are dropped.
func (s *Service) onTapAttached(uplinkName, tapIfname string, bus uint8, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := log.WithFields(log.Fields{"uplink": uplinkName, "tap": tapIfname})

	device := s.devices[uplinkName]
	if !s.started || device == nil || device.Config.tapIfname != tapIfname {
		logger.Warn("Dropping stale tap attach answer")
		return
	}

	if !ok {
		logger.Error("VM manager rejected tap attachment")
		if up, known := s.uplinks[uplinkName]; known {
			s.removeDeviceLocked(up, device)
		}
		s.recorder.DeviceEvent(serviceLabel, metrics.EventAddFailed)
		return
	}

	if !s.ifMgr.ConfirmAttach(tapIfname, bus) {
		logger.Warn("Dropping attach confirmation for untracked tap")
	}
}

// RemoveDevice withdraws an uplink network and tears down its guest device if
// one is materialized.
func (s *Service) RemoveDevice(up uplink.Network) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.uplinks, up.Name)
	if !s.started {
		return
	}
	device, ok := s.devices[up.Name]
	if !ok {
		log.WithFields(log.Fields{"uplink": up.Name}).Warn("No guest device for uplink")
		return
	}
	s.removeDeviceLocked(up, device)
}

func (s *Service) removeDeviceLocked(up uplink.Network, device *Device) {
	s.stopDeviceDatapathLocked(up, device)

	switch s.kind {
	case KindContainer:
		s.dp.RemoveInterface(vethIfname(up.Ifname))

	case KindVMHotplug:
		tap := device.Config.tapIfname
		if bus, ok := s.ifMgr.RemoveInterface(tap); ok {
			if !s.vmc.DetachTapDevice(s.id, bus) {
				log.WithFields(log.Fields{"uplink": up.Name, "bus": bus}).Error("VM manager failed to detach tap")
			}
		}
		s.dp.RemoveTunTap(tap, datapath.ModeTap)
		device.Config.tapIfname = ""
	}
	// Static VM taps outlive the device and return to the pool with the
	// config.
	s.dp.RemoveBridge(device.BridgeIfname)

	s.available = append(s.available, device.Config)
	delete(s.devices, up.Name)
	s.notifyRemovedLocked(device)
	s.recorder.DeviceEvent(serviceLabel, metrics.EventRemoved)
}

// startDeviceDatapathLocked opens routing and forwarding between the uplink
// and the guest device bridge.
func (s *Service) startDeviceDatapathLocked(up uplink.Network, device *Device) {
	s.dp.StartRoutingDevice(up, device.BridgeIfname)
	s.fwd.StartForwarding(up, device.BridgeIfname, forwarding.Set{
		IPv6:      true,
		Broadcast: true,
		Multicast: s.multicastAllowedLocked(device.Technology),
	})
	if device.Technology.ADBAllowed() {
		s.dp.AddAdbPortAccessRule(up.Ifname)
	}
}

func (s *Service) stopDeviceDatapathLocked(up uplink.Network, device *Device) {
	if device.Technology.ADBAllowed() {
		s.dp.DeleteAdbPortAccessRule(up.Ifname)
	}
	s.fwd.StopForwarding(up, device.BridgeIfname, forwarding.AllSet())
	s.dp.StopRoutingDevice(up, device.BridgeIfname)
}

// SetInteractive gates multicast forwarding on whether a user is interacting
// with the device. Multicast traffic is not forwarded into the guest while
// the device is idle.
func (s *Service) SetInteractive(interactive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interactive == interactive {
		return
	}
	s.interactive = interactive
	s.refreshMulticastLocked()
}

// SetWiFiMulticastLock tracks the multicast lock of the guest. WiFi multicast
// forwarding only runs while the guest holds the lock.
func (s *Service) SetWiFiMulticastLock(held bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wifiMulticastLock == held {
		return
	}
	s.wifiMulticastLock = held
	s.refreshMulticastLocked()
}

func (s *Service) refreshMulticastLocked() {
	if !s.started {
		return
	}
	for name, device := range s.devices {
		up, ok := s.uplinks[name]
		if !ok {
			continue
		}
		set := forwarding.Set{Multicast: true}
		if s.multicastAllowedLocked(device.Technology) {
			s.fwd.StartForwarding(up, device.BridgeIfname, set)
		} else {
			s.fwd.StopForwarding(up, device.BridgeIfname, set)
		}
	}
}

func (s *Service) multicastAllowedLocked(tech uplink.Technology) bool {
	if !s.interactive {
		return false
	}
	if tech == uplink.TechnologyWiFi {
		return s.wifiMulticastLock
	}
	return true
}

// IsWiFiMulticastForwardingRunning reports whether multicast forwarding is
// active on any WiFi guest device.
func (s *Service) IsWiFiMulticastForwardingRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || !s.multicastAllowedLocked(uplink.TechnologyWiFi) {
		return false
	}
	for _, device := range s.devices {
		if device.Technology == uplink.TechnologyWiFi {
			return true
		}
	}
	return false
}

// UpdateDeviceIPConfig refreshes the stored IP configuration of an uplink.
// If a guest device is bridged to it, IPv6 forwarding is restarted after a
// short delay so the guest drops neighbor state learned from the old
// configuration.
func (s *Service) UpdateDeviceIPConfig(up uplink.Network) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.uplinks[up.Name]; !ok {
		log.WithFields(log.Fields{"uplink": up.Name}).Warn("IP configuration update for unknown uplink")
		return
	}
	s.uplinks[up.Name] = up

	if device, ok := s.devices[up.Name]; ok && s.started {
		s.fwd.RestartIPv6(up, device.BridgeIfname, ipv6RestartDelay)
	}
}

// Started reports whether the guest is running.
func (s *Service) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// GetDevices returns the materialized guest devices, management device first.
func (s *Service) GetDevices() []*Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Device
	if s.mgmtDevice != nil {
		out = append(out, s.mgmtDevice)
	}
	for _, name := range sortedUplinkNames(s.uplinks) {
		if device, ok := s.devices[name]; ok {
			out = append(out, device)
		}
	}
	return out
}

// GetStaticTapDevices returns the tap interfaces of a static VM guest in
// guest interface order, management tap first. Empty unless a static VM guest
// is running.
func (s *Service) GetStaticTapDevices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.kind != KindVMStatic {
		return nil
	}
	taps := []string{s.mgmtConfig.tapIfname}
	for _, cfg := range s.configsInPoolOrderLocked() {
		if cfg.tapIfname == "" {
			continue
		}
		taps = append(taps, cfg.tapIfname)
	}
	return taps
}

// configsInPoolOrderLocked returns every device config in original pool
// order, whether bound to a device or free.
func (s *Service) configsInPoolOrderLocked() []*Config {
	all := make([]*Config, 0, deviceConfigCount)
	all = append(all, s.available...)
	for _, device := range s.devices {
		all = append(all, device.Config)
	}
	sort.Slice(all, func(i, j int) bool {
		return ipToKey(all[i].HostIPv4()) < ipToKey(all[j].HostIPv4())
	})
	return all
}

// ManagementIPv4 returns the guest-side address of the management device.
func (s *Service) ManagementIPv4() net.IP {
	return s.mgmtConfig.GuestIPv4()
}

func (s *Service) notifyAddedLocked(device *Device) {
	s.notifier.OnDeviceAdded(DeviceEvent{ID: uuid.New(), Device: device})
}

func (s *Service) notifyRemovedLocked(device *Device) {
	s.notifier.OnDeviceRemoved(DeviceEvent{ID: uuid.New(), Device: device})
}

func sortedUplinkNames(uplinks map[string]uplink.Network) []string {
	names := make([]string, 0, len(uplinks))
	for name := range uplinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ipToKey(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}
