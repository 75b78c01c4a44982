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

package manager

import (
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/vhive-serverless/guestnet/datapath"
)

// lifelinePollInterval bounds how long a watcher sleeps before rechecking its
// stop channel.
const lifelinePollInterval = 500 * time.Millisecond

// lifeline ties a client-held file descriptor to one granted resource. The
// manager duplicates the descriptor and watches the duplicate; when the
// client closes its end (or dies), the duplicate becomes readable and the
// resource is torn down.
type lifeline struct {
	clientFd int
	dupFd    int
	stop     chan struct{}
	stopped  bool

	namespace  *datapath.ConnectedNamespace
	downstream *datapath.DownstreamNetwork
	dnsRule    *datapath.DNSRedirectRule
}

// watchLifeline polls the duplicated descriptor until it signals closure of
// the client end, then reports it. The loop exits silently when the lifeline
// was released proactively.
func (m *Manager) watchLifeline(clientFd, dupFd int, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		fds := []unix.PollFd{{Fd: int32(dupFd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(lifelinePollInterval.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.WithFields(log.Fields{"fd": clientFd}).Errorf("Lifeline poll failed: %v", err)
			return
		}
		if n == 0 {
			continue
		}

		// The descriptor may have been closed by a concurrent release
		// between the poll and here; the stop channel decides.
		select {
		case <-stop:
			return
		default:
		}

		if fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			m.OnLifelineFdClosed(clientFd)
			return
		}
	}
}
