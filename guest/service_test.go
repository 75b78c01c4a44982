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
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	ctrdlog "github.com/containerd/log"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vhive-serverless/guestnet/addressing"
	"github.com/vhive-serverless/guestnet/datapath"
	"github.com/vhive-serverless/guestnet/forwarding"
	"github.com/vhive-serverless/guestnet/metrics"
	"github.com/vhive-serverless/guestnet/uplink"
)

func TestMain(m *testing.M) {
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: ctrdlog.RFC3339NanoFixed,
		FullTimestamp:   true,
	})

	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)

	os.Exit(m.Run())
}

type attachRequest struct {
	vmID uint32
	tap  string
	done func(bus uint8, ok bool)
}

type fakeVMClient struct {
	mu       sync.Mutex
	attaches []attachRequest
	detaches []uint8
}

func (c *fakeVMClient) AttachTapDevice(vmID uint32, tapIfname string, done func(bus uint8, ok bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attaches = append(c.attaches, attachRequest{vmID: vmID, tap: tapIfname, done: done})
}

func (c *fakeVMClient) DetachTapDevice(vmID uint32, bus uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detaches = append(c.detaches, bus)
	return true
}

func (c *fakeVMClient) pendingAttaches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attaches)
}

func (c *fakeVMClient) completeAttach(t *testing.T, i int, bus uint8, ok bool) {
	c.mu.Lock()
	require.Less(t, i, len(c.attaches))
	done := c.attaches[i].done
	c.mu.Unlock()
	done(bus, ok)
}

func (c *fakeVMClient) detachedBuses() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint8(nil), c.detaches...)
}

type recordingNotifier struct {
	mu      sync.Mutex
	added   []DeviceEvent
	removed []DeviceEvent
}

func (n *recordingNotifier) OnDeviceAdded(event DeviceEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.added = append(n.added, event)
}

func (n *recordingNotifier) OnDeviceRemoved(event DeviceEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removed = append(n.removed, event)
}

func (n *recordingNotifier) addedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.added)
}

func (n *recordingNotifier) removedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.removed)
}

func (n *recordingNotifier) lastAdded() DeviceEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.added[len(n.added)-1]
}

func newTestService(t *testing.T, kind Kind, opts ...Option) (*Service, *datapath.Fake, *forwarding.Tracker, *fakeVMClient, *recordingNotifier) {
	fake := datapath.NewFake()
	tracker := forwarding.NewTracker()
	vmc := &fakeVMClient{}
	notifier := &recordingNotifier{}

	svc, err := NewService(kind, fake, addressing.NewAddressManager(), tracker, vmc, notifier, metrics.NopRecorder{}, opts...)
	require.NoError(t, err)
	return svc, fake, tracker, vmc, notifier
}

func ethUplink(name string) uplink.Network {
	return uplink.Network{Name: name, Ifname: name, Technology: uplink.TechnologyEthernet}
}

func wifiUplink(name string) uplink.Network {
	return uplink.Network{Name: name, Ifname: name, Technology: uplink.TechnologyWiFi}
}

func TestStaticVMStartCreatesTaps(t *testing.T) {
	svc, fake, _, _, notifier := newTestService(t, KindVMStatic)

	require.NoError(t, svc.Start(32))
	require.True(t, fake.Bridges[mgmtBridgeIfname])
	require.Len(t, fake.Taps, 1+deviceConfigCount)

	taps := svc.GetStaticTapDevices()
	require.Len(t, taps, 1+deviceConfigCount)
	require.Equal(t, mgmtBridgeIfname, fake.BridgeSlaves[taps[0]], "Management tap must be on the management bridge")

	require.Equal(t, 1, notifier.addedCount())
	require.Equal(t, mgmtGuestIfname, notifier.lastAdded().Device.GuestIfname)
}

func TestStaticVMAddRemoveDevice(t *testing.T) {
	svc, fake, _, _, notifier := newTestService(t, KindVMStatic)
	require.NoError(t, svc.Start(32))

	taps := svc.GetStaticTapDevices()
	svc.AddDevice(ethUplink("eth0"))

	require.True(t, fake.Bridges["gnb_eth0"])
	require.True(t, fake.RoutedBridges["gnb_eth0"])
	require.True(t, fake.AdbRules["eth0"])
	require.Equal(t, "gnb_eth0", fake.BridgeSlaves[taps[1]], "First device tap must be on the device bridge")

	devices := svc.GetDevices()
	require.Len(t, devices, 2)
	require.Equal(t, "eth1", devices[1].GuestIfname)
	require.Equal(t, uplink.TechnologyEthernet, devices[1].Technology)

	svc.RemoveDevice(ethUplink("eth0"))
	require.False(t, fake.Bridges["gnb_eth0"])
	require.False(t, fake.RoutedBridges["gnb_eth0"])
	require.False(t, fake.AdbRules["eth0"])
	require.True(t, fake.Taps[taps[1]], "Static taps must outlive the device")
	require.Len(t, svc.GetDevices(), 1)
	require.Equal(t, 1, notifier.removedCount())
}

func TestDeviceReplayOnStart(t *testing.T) {
	svc, fake, _, _, _ := newTestService(t, KindVMStatic)

	// Uplinks announced before the guest runs materialize at startup.
	svc.AddDevice(ethUplink("eth0"))
	require.False(t, fake.Bridges["gnb_eth0"])

	require.NoError(t, svc.Start(32))
	require.True(t, fake.Bridges["gnb_eth0"])
	require.Len(t, svc.GetDevices(), 2)
}

func TestUplinkTechnologyNotBridged(t *testing.T) {
	svc, fake, _, _, _ := newTestService(t, KindVMStatic)
	require.NoError(t, svc.Start(32))

	svc.AddDevice(uplink.Network{Name: "vpn0", Ifname: "vpn0", Technology: uplink.TechnologyVPN})
	require.False(t, fake.Bridges["gnb_vpn0"])
	require.Len(t, svc.GetDevices(), 1)

	// The skipped uplink must not have consumed a device config.
	for i := 0; i < deviceConfigCount; i++ {
		svc.AddDevice(ethUplink(fmt.Sprintf("eth%d", i)))
	}
	require.Len(t, svc.GetDevices(), 1+deviceConfigCount)
}

func TestConfigPoolExhaustion(t *testing.T) {
	svc, _, _, _, _ := newTestService(t, KindVMStatic)
	require.NoError(t, svc.Start(32))

	for i := 0; i < deviceConfigCount+1; i++ {
		svc.AddDevice(ethUplink(fmt.Sprintf("eth%d", i)))
	}
	require.Len(t, svc.GetDevices(), 1+deviceConfigCount, "Exhausted pool must not add a device")

	// A released config is reusable.
	svc.RemoveDevice(ethUplink("eth0"))
	svc.AddDevice(ethUplink(fmt.Sprintf("eth%d", deviceConfigCount)))
	require.Len(t, svc.GetDevices(), 1+deviceConfigCount)
}

func TestVMStopIgnoresStaleID(t *testing.T) {
	svc, fake, _, _, _ := newTestService(t, KindVMStatic)
	require.NoError(t, svc.Start(32))

	svc.Stop(99)
	require.True(t, svc.Started(), "Stop with a stale id must be ignored")

	svc.Stop(32)
	require.False(t, svc.Started())
	require.Empty(t, fake.Taps)
	require.Empty(t, fake.Bridges)

	// Stopping again is a harmless no-op.
	svc.Stop(32)
}

func TestDefensiveRestart(t *testing.T) {
	svc, fake, _, _, _ := newTestService(t, KindVMStatic)
	require.NoError(t, svc.Start(32))
	svc.AddDevice(ethUplink("eth0"))

	// A second start tears the previous instance down first.
	require.NoError(t, svc.Start(33))
	require.True(t, svc.Started())
	require.Len(t, fake.Taps, 1+deviceConfigCount)
	require.Len(t, svc.GetDevices(), 2, "Known uplinks must be replayed on restart")
}

func TestContainerLifecycle(t *testing.T) {
	svc, fake, _, _, _ := newTestService(t, KindContainer)

	require.NoError(t, svc.Start(1234))
	require.True(t, fake.Bridges[mgmtBridgeIfname])
	require.True(t, fake.Veths[mgmtVethIfname])
	require.True(t, fake.NetnsNames[guestNetnsName], "Container start must name the guest netns")
	require.Contains(t, fake.Calls, fmt.Sprintf("ConnectVethPair(1234, %s, %s, %s)", guestNetnsName, mgmtVethIfname, mgmtGuestIfname))
	require.Empty(t, fake.Taps, "Container guests have no tap devices")

	svc.AddDevice(ethUplink("eth0"))
	require.True(t, fake.Veths["vetheth0"])
	devices := svc.GetDevices()
	require.Len(t, devices, 2)
	require.Equal(t, "eth0", devices[1].GuestIfname, "Container guest interfaces use the uplink name")

	// Container stops are not id-checked: the id is a pid and the caller
	// may no longer know which instance it belonged to.
	svc.Stop(0)
	require.False(t, svc.Started())
	require.Empty(t, fake.Veths)
	require.Empty(t, fake.Bridges)
	require.Empty(t, fake.NetnsNames, "Container stop must free the netns name")
}

func TestContainerNetnsAttachFailure(t *testing.T) {
	svc, fake, _, _, _ := newTestService(t, KindContainer)

	fake.FailNext("NetnsAttachName")
	require.Error(t, svc.Start(1234))
	require.False(t, svc.Started())
	require.Empty(t, fake.Bridges)
	require.Empty(t, fake.Veths)
}

func TestContainerMACRefreshOnStart(t *testing.T) {
	svc, _, _, _, _ := newTestService(t, KindContainer)
	require.NoError(t, svc.Start(100))

	macs := func() []string {
		out := []string{svc.mgmtConfig.mac.String()}
		for _, cfg := range svc.available {
			out = append(out, cfg.mac.String())
		}
		return out
	}

	before := macs()
	svc.Stop(0)
	require.NoError(t, svc.Start(101))

	// A different container instance must not see addresses the previous
	// one observed.
	after := macs()
	require.Len(t, after, 1+deviceConfigCount)
	for i := range before {
		require.NotEqual(t, before[i], after[i], "Config %d kept its MAC across container restart", i)
	}
}

func TestStaticVMStartDegradedTapFailure(t *testing.T) {
	svc, fake, _, _, _ := newTestService(t, KindVMStatic)

	// The first device-config tap cannot be created (the management tap is
	// the first AddTunTap call); the guest still starts with the rest.
	fake.FailCall("AddTunTap", 2)
	require.NoError(t, svc.Start(32))
	require.True(t, svc.Started())
	require.Len(t, fake.Taps, deviceConfigCount)
	require.Len(t, svc.GetStaticTapDevices(), deviceConfigCount)

	// The tapless config cannot back a device; the next pool config serves
	// the uplink instead.
	svc.AddDevice(ethUplink("eth0"))
	require.Len(t, svc.GetDevices(), 1)
	svc.AddDevice(ethUplink("eth1"))
	require.Len(t, svc.GetDevices(), 2)
}

func TestRemoveDeviceUnknownUplink(t *testing.T) {
	svc, _, _, _, notifier := newTestService(t, KindVMStatic)
	require.NoError(t, svc.Start(32))

	svc.RemoveDevice(ethUplink("eth0"))
	require.Len(t, svc.GetDevices(), 1)
	require.Equal(t, 0, notifier.removedCount())
}

func TestStopResetsForwardingFlags(t *testing.T) {
	svc, _, tracker, _, _ := newTestService(t, KindVMStatic)
	require.NoError(t, svc.Start(32))

	svc.SetInteractive(false)
	svc.SetWiFiMulticastLock(true)
	svc.Stop(32)

	// A restarted guest begins interactive and without the multicast lock.
	require.NoError(t, svc.Start(33))
	eth := ethUplink("eth0")
	svc.AddDevice(eth)
	require.True(t, tracker.ActiveSet(eth, "gnb_eth0").Multicast)

	wlan := wifiUplink("wlan0")
	svc.AddDevice(wlan)
	require.False(t, tracker.ActiveSet(wlan, "gnb_wlan0").Multicast)
}

func TestAddDeviceRollback(t *testing.T) {
	svc, fake, _, _, _ := newTestService(t, KindVMStatic)
	require.NoError(t, svc.Start(32))

	fake.FailNext("AddToBridge")
	svc.AddDevice(ethUplink("eth0"))
	require.Len(t, svc.GetDevices(), 1)
	require.False(t, fake.Bridges["gnb_eth0"], "Failed add must remove the bridge it created")

	// The config returned to the pool; the full pool is still usable.
	for i := 0; i < deviceConfigCount; i++ {
		svc.AddDevice(ethUplink(fmt.Sprintf("en%d", i)))
	}
	require.Len(t, svc.GetDevices(), 1+deviceConfigCount)
}

func TestAddDeviceConfigLeak(t *testing.T) {
	svc, fake, _, _, _ := newTestService(t, KindVMStatic, WithConfigLeakOnFailure())
	require.NoError(t, svc.Start(32))

	fake.FailNext("AddToBridge")
	svc.AddDevice(ethUplink("eth0"))
	require.Len(t, svc.GetDevices(), 1)

	// The leaked config shrinks the pool by one.
	for i := 0; i < deviceConfigCount; i++ {
		svc.AddDevice(ethUplink(fmt.Sprintf("en%d", i)))
	}
	require.Len(t, svc.GetDevices(), 1+deviceConfigCount-1)
}

func TestHotplugAttachFlow(t *testing.T) {
	svc, fake, _, vmc, notifier := newTestService(t, KindVMHotplug)
	require.NoError(t, svc.Start(7))
	require.Len(t, fake.Taps, 1, "Hotplug guests start with only the management tap")

	svc.AddDevice(ethUplink("eth0"))
	require.Equal(t, 2, notifier.addedCount(), "Guest name is usable before the VM manager confirms")
	require.Equal(t, "eth1", notifier.lastAdded().Device.GuestIfname)
	require.Eventually(t, func() bool { return vmc.pendingAttaches() == 1 }, time.Second, time.Millisecond)

	vmc.completeAttach(t, 0, 2, true)

	svc.RemoveDevice(ethUplink("eth0"))
	require.Equal(t, []uint8{2}, vmc.detachedBuses())
	require.Len(t, fake.Taps, 1, "Hotplug tap must be deleted with the device")
	require.Equal(t, 1, notifier.removedCount())
}

func TestHotplugRemoveBeforeConfirmation(t *testing.T) {
	svc, fake, _, vmc, _ := newTestService(t, KindVMHotplug)
	require.NoError(t, svc.Start(7))

	svc.AddDevice(ethUplink("eth0"))
	require.Eventually(t, func() bool { return vmc.pendingAttaches() == 1 }, time.Second, time.Millisecond)

	// The bus is unknown until the VM manager answers, so no detach request
	// can be issued; the tap is still torn down.
	svc.RemoveDevice(ethUplink("eth0"))
	require.Empty(t, vmc.detachedBuses())
	require.Len(t, fake.Taps, 1)
	require.Len(t, svc.GetDevices(), 1)

	// The late answer finds the tap gone and is dropped.
	vmc.completeAttach(t, 0, 2, true)
	require.Len(t, svc.GetDevices(), 1)
}

func TestHotplugAttachRejected(t *testing.T) {
	svc, fake, _, vmc, _ := newTestService(t, KindVMHotplug)
	require.NoError(t, svc.Start(7))

	svc.AddDevice(ethUplink("eth0"))
	require.Eventually(t, func() bool { return vmc.pendingAttaches() == 1 }, time.Second, time.Millisecond)

	vmc.completeAttach(t, 0, 0, false)
	require.Len(t, svc.GetDevices(), 1, "Rejected attachment must remove the device")
	require.Len(t, fake.Taps, 1, "Rejected attachment must remove the tap")

	// The config is back in the pool.
	svc.AddDevice(ethUplink("eth1"))
	require.Eventually(t, func() bool { return vmc.pendingAttaches() == 2 }, time.Second, time.Millisecond)
}

func TestHotplugStaleAttachAnswer(t *testing.T) {
	svc, _, _, vmc, notifier := newTestService(t, KindVMHotplug)
	require.NoError(t, svc.Start(7))

	svc.AddDevice(ethUplink("eth0"))
	require.Eventually(t, func() bool { return vmc.pendingAttaches() == 1 }, time.Second, time.Millisecond)

	require.Equal(t, 2, notifier.addedCount())
	svc.Stop(7)
	require.Equal(t, 2, notifier.removedCount())

	// The answer arrives after the guest stopped; nothing changes.
	vmc.completeAttach(t, 0, 2, true)
	require.Equal(t, 2, notifier.addedCount(), "Attach answer after stop must be dropped")
}

func TestWiFiMulticastGating(t *testing.T) {
	svc, _, tracker, _, _ := newTestService(t, KindVMStatic)
	require.NoError(t, svc.Start(32))

	wlan := wifiUplink("wlan0")
	svc.AddDevice(wlan)
	require.False(t, tracker.ActiveSet(wlan, "gnb_wlan0").Multicast, "WiFi multicast must wait for the lock")
	require.False(t, svc.IsWiFiMulticastForwardingRunning())
	require.True(t, tracker.ActiveSet(wlan, "gnb_wlan0").Broadcast)

	svc.SetWiFiMulticastLock(true)
	require.True(t, tracker.ActiveSet(wlan, "gnb_wlan0").Multicast)
	require.True(t, svc.IsWiFiMulticastForwardingRunning())

	svc.SetInteractive(false)
	require.False(t, tracker.ActiveSet(wlan, "gnb_wlan0").Multicast)
	require.False(t, svc.IsWiFiMulticastForwardingRunning())

	svc.SetInteractive(true)
	require.True(t, tracker.ActiveSet(wlan, "gnb_wlan0").Multicast)

	svc.SetWiFiMulticastLock(false)
	require.False(t, tracker.ActiveSet(wlan, "gnb_wlan0").Multicast)
}

func TestNonWiFiMulticastGating(t *testing.T) {
	svc, _, tracker, _, _ := newTestService(t, KindVMStatic)
	require.NoError(t, svc.Start(32))

	eth := ethUplink("eth0")
	svc.AddDevice(eth)
	require.True(t, tracker.ActiveSet(eth, "gnb_eth0").Multicast, "Wired multicast needs no lock")

	svc.SetInteractive(false)
	require.False(t, tracker.ActiveSet(eth, "gnb_eth0").Multicast)
}

func TestUpdateDeviceIPConfig(t *testing.T) {
	svc, _, tracker, _, _ := newTestService(t, KindVMStatic)
	require.NoError(t, svc.Start(32))

	eth := ethUplink("eth0")
	svc.AddDevice(eth)
	require.True(t, tracker.ActiveSet(eth, "gnb_eth0").IPv6)

	svc.UpdateDeviceIPConfig(eth)
	require.False(t, tracker.ActiveSet(eth, "gnb_eth0").IPv6, "IPv6 forwarding must pause after an IP change")
	require.Eventually(t, func() bool {
		return tracker.ActiveSet(eth, "gnb_eth0").IPv6
	}, time.Second, time.Millisecond, "IPv6 forwarding was not restarted")

	// Unknown uplinks are ignored.
	svc.UpdateDeviceIPConfig(ethUplink("eth9"))
}

func TestDeviceEventIDsUnique(t *testing.T) {
	svc, _, _, _, notifier := newTestService(t, KindVMStatic)
	require.NoError(t, svc.Start(32))
	svc.AddDevice(ethUplink("eth0"))
	svc.AddDevice(ethUplink("eth1"))
	svc.Stop(32)

	seen := make(map[uuid.UUID]struct{})
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	for _, event := range append(append([]DeviceEvent(nil), notifier.added...), notifier.removed...) {
		_, dup := seen[event.ID]
		require.False(t, dup, "Duplicate device event id %s", event.ID)
		seen[event.ID] = struct{}{}
	}
}
