package provision

import (
	"context"

	"github.com/chaz8081/blufictl/internal/ble"
	"github.com/chaz8081/blufictl/internal/ble/protocol"
)

// startConnect replaces any existing connection with a new attempt on addr.
// Runs on the loop.
func (c *Controller) startConnect(addr string, w *waiter) {
	if c.state.Live() {
		c.requestCloseConnection()
		c.fire(tClose)
	}
	c.release()
	// A superseded blocking connect reports failure rather than hanging
	// until its deadline.
	c.resolveWaiter(false)

	c.waiter = w
	c.address = addr
	c.addressView.Store(addr)
	c.setLimit(protocol.MinPostLength)
	c.fire(tConnect)

	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.logger().Info("[CONNECT] dialing")

	go func() {
		link, err := c.adapter.Connect(ctx, addr)
		if !c.post(func() { c.onLink(gen, link, err) }) && link != nil {
			_ = link.Disconnect()
		}
	}()
}

func (c *Controller) onLink(gen uint64, link ble.Link, err error) {
	if gen != c.gen {
		if link != nil {
			c.logger().Debug("[CONNECT] late link from a superseded attempt")
			_ = link.Disconnect()
		}
		return
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if err != nil {
		c.logger().WithError(err).Warn("[CONNECT] link failed")
		c.fire(tLinkFailed)
		c.release()
		return
	}

	c.link = link
	link.OnDisconnect(func() {
		c.post(func() { c.onLinkLost(gen) })
	})
	c.fire(tLinkUp)

	go func() {
		client, err := ble.NewClient(link, &session{c: c, gen: gen}, c.opts.Client)
		if !c.post(func() { c.onDiscovered(gen, client, err) }) && client != nil {
			client.Close()
		}
	}()
}

func (c *Controller) onLinkLost(gen uint64) {
	if gen != c.gen {
		return
	}
	c.logger().Warn("[CONNECT] link lost")
	c.fire(tLinkLost)
	c.release()
}

func (c *Controller) onDiscovered(gen uint64, client *ble.Client, err error) {
	if gen != c.gen {
		if client != nil {
			client.Close()
		}
		return
	}
	if err != nil {
		c.logger().WithError(err).Warn("[CONNECT] attribute discovery failed")
		c.fire(tDiscoverFailed)
		c.release()
		return
	}

	c.client = client
	c.fire(tDiscovered)

	link, mtu := c.link, c.opts.MTU
	go func() {
		got, err := link.ExchangeMTU(mtu)
		c.post(func() { c.onTransport(gen, got, err) })
	}()
}

// onTransport finishes the handshake. An MTU exchange failure only limits
// writes to the protocol minimum.
func (c *Controller) onTransport(gen uint64, mtu int, err error) {
	if gen != c.gen {
		return
	}
	limit := protocol.MinPostLength
	if err != nil {
		c.logger().WithError(err).Warn("[CONNECT] MTU exchange failed, using minimum write size")
	} else if n := mtu - ble.ATTHeaderLen; n > limit {
		limit = n
	}
	c.client.SetPostLimit(limit)
	c.setLimit(limit)
	c.logger().WithField("limit", limit).Debug("[CONNECT] transport limit")
	c.fire(tTransportReady)
}
