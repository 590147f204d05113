package transport

import (
	"sync"

	"github.com/outofforest/chorus/wire"
)

const sendQueueSize = 128

type frame struct {
	Header  *wire.Header
	Content []byte
}

type chans struct {
	Sender   chan<- frame
	Receiver <-chan frame
}

type peerConns struct {
	mu    sync.RWMutex
	conns map[wire.Endpoint]chans
}

func newPeerConns() *peerConns {
	return &peerConns{
		conns: map[wire.Endpoint]chans{},
	}
}

// Add registers connection to the peer. Previous connection to the same peer is replaced.
func (c *peerConns) Add(endpoint wire.Endpoint) <-chan frame {
	ch := make(chan frame, sendQueueSize)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.conns[endpoint]; ok {
		close(ch.Sender)
	}

	c.conns[endpoint] = chans{Sender: ch, Receiver: ch}
	return ch
}

func (c *peerConns) Remove(endpoint wire.Endpoint, ch <-chan frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if chs, exists := c.conns[endpoint]; exists && chs.Receiver == ch {
		delete(c.conns, endpoint)
		close(chs.Sender)
	}
}

// Connected tells if there is a connection to the peer.
func (c *peerConns) Connected(endpoint wire.Endpoint) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, exists := c.conns[endpoint]
	return exists
}

// Send schedules the frame for the peer. It returns false if peer is not connected.
func (c *peerConns) Send(endpoint wire.Endpoint, f frame) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	conn, exists := c.conns[endpoint]
	if !exists {
		return false
	}
	conn.Sender <- f
	return true
}
