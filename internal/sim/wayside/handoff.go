package wayside

import (
	"context"
	"errors"
	"math"

	"wayside.ai/internal/protocol"
)

// emit publishes a pending packet. On success the train leaves this controller;
// on failure it stays in PhaseHandoffPending, commanded to stop, and the next
// progression cycle retries the same packet.
func (c *Controller) emit(ctx context.Context, pkt protocol.HandoffPacket) {
	var err error
	if c.exchange == nil {
		err = errors.New("no handoff exchange configured")
	} else {
		err = c.retry(ctx, func(ctx context.Context) error { return c.exchange.Publish(ctx, pkt) })
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.trains[pkt.Train]
	if !ok || t.Pending == nil || t.Pending.PacketID != pkt.PacketID {
		return
	}
	if errors.Is(err, protocol.ErrNotOwner) {
		// Another controller already holds the train; nothing left to hand over.
		c.logger.Printf("handoff %s for %s: %v, dropping local state", pkt.PacketID, pkt.Train, err)
		c.logHandoff("FAILED", pkt, err)
		delete(c.trains, pkt.Train)
		c.publishViewLocked()
		return
	}
	if err != nil {
		c.markDegradedLocked("handoff", "publish %s for %s failed: %v", pkt.PacketID, pkt.Train, err)
		c.logHandoff("FAILED", pkt, err)
		return
	}
	c.clearDegradedLocked("handoff")
	delete(c.trains, pkt.Train)
	c.handOut++
	c.logger.Printf("handoff out: train %s at block %d authority=%.1f", pkt.Train, pkt.Position, pkt.AuthorityRemaining)
	c.logHandoff("OUT", pkt, nil)
	c.publishViewLocked()
}

// acceptHandoffs takes packets for trains entering this partition from outside.
func (c *Controller) acceptHandoffs(ctx context.Context) {
	if c.exchange == nil {
		return
	}
	var pending []protocol.HandoffPacket
	err := c.retry(ctx, func(ctx context.Context) error {
		var err error
		pending, err = c.exchange.Pending(ctx)
		return err
	})
	if err != nil {
		c.mu.Lock()
		c.markDegradedLocked("handoff-in", "reading pending handoffs failed: %v", err)
		c.mu.Unlock()
		return
	}

	takeFailed := false
	for _, pkt := range pending {
		// Managed sets are disjoint, so exactly one controller accepts each packet.
		if pkt.From == c.cfg.ID || !c.managed[pkt.Position] {
			continue
		}
		c.mu.Lock()
		dup := c.seenPackets[pkt.PacketID]
		_, owned := c.trains[pkt.Train]
		c.mu.Unlock()
		if dup || owned {
			if dup {
				c.logger.Printf("handoff %s for %s ignored: %s", pkt.PacketID, pkt.Train, protocol.ErrHandoffDuplicate)
			}
			continue
		}
		var taken protocol.HandoffPacket
		err := c.retry(ctx, func(ctx context.Context) error {
			var err error
			taken, err = c.exchange.Take(ctx, pkt.PacketID, c.cfg.ID)
			return err
		})
		if err != nil {
			if !errors.Is(err, protocol.ErrPacketGone) {
				takeFailed = true
				c.mu.Lock()
				c.markDegradedLocked("handoff-in", "take %s failed: %v", pkt.PacketID, err)
				c.mu.Unlock()
			}
			continue
		}
		c.mu.Lock()
		c.installHandoffLocked(taken)
		c.mu.Unlock()
	}
	if !takeFailed {
		c.mu.Lock()
		c.clearDegradedLocked("handoff-in")
		c.mu.Unlock()
	}
}

// installHandoffLocked turns a taken packet into an owned train. One cycle of
// unreported travel is charged against the remaining authority.
func (c *Controller) installHandoffLocked(pkt protocol.HandoffPacket) {
	c.rememberPacketLocked(pkt.PacketID)
	b, _ := c.graph.Block(pkt.Position)

	comp := math.Min(c.cfg.Tuning.Tracker.HandoffCompM, math.Max(pkt.AuthorityRemaining, 0))
	t := &TrainState{
		Name:               pkt.Train,
		Position:           pkt.Position,
		PrevPosition:       pkt.PrevPosition,
		Direction:          pkt.Direction,
		BlockOffset:        math.Max(0, math.Min(pkt.BlockOffset, b.Length)),
		AuthorityRemaining: math.Max(pkt.AuthorityRemaining, 0) - comp,
		AuthorityLegStart:  pkt.AuthorityLegStart,
		CumulativeInLeg:    pkt.CumulativeDistanceInLeg + comp,
		CommandedSpeed:     math.Min(math.Max(pkt.CommandedSpeed, 0), b.SpeedLimit),
		SuggestedSpeed:     pkt.CommandedSpeed,
		LastGranted:        pkt.LastGrantedAuthority,
		LegIndex:           c.path.locate(pkt.Position, 0),
		Legs:               1,
		LastSeenBlock:      pkt.Position,
		Active:             true,
		Phase:              PhaseActive,
		Destination:        pkt.Destination,
		CurrentStation:     pkt.CurrentStation,
		NextStation:        pkt.NextStation,
	}
	for _, e := range c.feed.Trains {
		if e.Name == pkt.Train && !e.Malformed {
			t.SuggestedSpeed = e.SuggestedSpeed
		}
	}
	if pkt.LastGrantedAuthority > c.granted[pkt.Train] {
		c.granted[pkt.Train] = pkt.LastGrantedAuthority
	}
	c.trains[pkt.Train] = t
	c.handIn++
	c.logLegLocked(t, LegHandoff)
	c.logHandoff("IN", pkt, nil)
	c.publishViewLocked()
}

func (c *Controller) rememberPacketLocked(id string) {
	if c.seenPackets[id] {
		return
	}
	c.seenPackets[id] = true
	c.packetOrder = append(c.packetOrder, id)
	if len(c.packetOrder) > maxSeenPackets {
		delete(c.seenPackets, c.packetOrder[0])
		c.packetOrder = c.packetOrder[1:]
	}
}
