package wayside

import (
	"context"
	"errors"
	"time"

	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/track"
)

type claimCandidate struct {
	entry     protocol.CTCTrain
	direction protocol.Direction
}

// StepIngest reads the CTC feed, telemetry and occupancy, applies the feed to
// owned trains and claims new trains at leg-start blocks.
func (c *Controller) StepIngest(ctx context.Context) {
	var (
		feed             protocol.CTCFeedMsg
		tel              protocol.TelemetryMsg
		occ              protocol.OccupancyMsg
		feedErr, telErr  error
		occErr           error
		haveFeed, haveTl bool
		haveOcc          bool
	)
	if c.feedSrc != nil {
		haveFeed = true
		feedErr = c.retry(ctx, func(ctx context.Context) error {
			var err error
			feed, err = c.feedSrc.LatestFeed(ctx)
			return err
		})
	}
	if c.telSrc != nil {
		haveTl = true
		telErr = c.retry(ctx, func(ctx context.Context) error {
			var err error
			tel, err = c.telSrc.LatestTelemetry(ctx)
			return err
		})
	}
	if c.occSrc != nil {
		haveOcc = true
		occErr = c.retry(ctx, func(ctx context.Context) error {
			var err error
			occ, err = c.occSrc.LatestOccupancy(ctx)
			return err
		})
	}

	c.mu.Lock()
	if haveTl {
		c.applyTelemetryLocked(tel, telErr)
	}
	if haveOcc {
		c.applyOccupancyLocked(occ, occErr)
	}
	var (
		claims   []claimCandidate
		releases []string
	)
	if haveFeed {
		claims, releases = c.applyFeedLocked(feed, feedErr)
	}
	c.publishViewLocked()
	c.mu.Unlock()

	for _, name := range releases {
		c.release(ctx, name)
	}
	for _, cand := range claims {
		c.claim(ctx, cand)
	}
	c.refreshView()
}

func (c *Controller) applyTelemetryLocked(msg protocol.TelemetryMsg, err error) {
	switch {
	case err == nil:
		c.telemetry = map[string]float64{}
		for _, t := range msg.Trains {
			c.telemetry[t.Name] = t.ActualVelocity
		}
		c.clearDegradedLocked("telemetry")
	case errors.Is(err, protocol.ErrInvalid):
		c.telemetry = map[string]float64{}
		c.markDegradedLocked("telemetry", "malformed telemetry, using commanded speeds: %v", err)
	default:
		c.markDegradedLocked("telemetry", "telemetry unavailable, using cached values: %v", err)
	}
}

func (c *Controller) applyOccupancyLocked(msg protocol.OccupancyMsg, err error) {
	switch {
	case err == nil:
		c.extOccupied = map[track.BlockID]bool{}
		for _, id := range msg.Occupied {
			c.extOccupied[id] = true
		}
		c.clearDegradedLocked("occupancy")
	case errors.Is(err, protocol.ErrInvalid):
		// Keep the previous picture: an empty one would read as all clear.
		c.markDegradedLocked("occupancy", "malformed occupancy, keeping previous snapshot: %v", err)
	default:
		c.markDegradedLocked("occupancy", "occupancy unavailable, using cached snapshot: %v", err)
	}
}

// applyFeedLocked folds the feed into owned trains and returns the trains to
// claim and the owned trains to release once the lock is dropped.
func (c *Controller) applyFeedLocked(feed protocol.CTCFeedMsg, err error) ([]claimCandidate, []string) {
	switch {
	case err == nil:
		c.feed = feed
		c.clearDegradedLocked("feed")
	case errors.Is(err, protocol.ErrInvalid):
		c.markDegradedLocked("feed", "malformed CTC feed, no command: %v", err)
		for _, t := range c.trains {
			t.SuggestedSpeed = 0
		}
		return nil, nil
	default:
		c.markDegradedLocked("feed", "CTC feed unavailable, using cached snapshot: %v", err)
		feed = c.feed
	}

	c.closed = map[track.BlockID]bool{}
	for _, id := range feed.Closures {
		c.closed[id] = true
	}

	var (
		claims   []claimCandidate
		releases []string
	)
	for _, e := range feed.Trains {
		t, owned := c.trains[e.Name]
		if e.Malformed {
			if owned {
				t.SuggestedSpeed = 0
			}
			continue
		}
		if owned {
			if !e.Active {
				t.Active = false
				c.logLegLocked(t, LegRemoved)
				delete(c.trains, e.Name)
				c.farewells = append(c.farewells, protocol.TrainReport{Train: e.Name, Position: t.Position, State: protocol.Stopped})
				releases = append(releases, e.Name)
				continue
			}
			t.SuggestedSpeed = e.SuggestedSpeed
			if e.Destination != "" {
				t.Destination = e.Destination
			}
			c.maybeReactivateLocked(t, e)
			continue
		}
		if !e.Active || e.SuggestedAuthority <= c.granted[e.Name] {
			continue
		}
		b, ok := c.graph.Block(e.Position)
		if !ok || !c.managed[e.Position] || !b.LegStart() {
			continue
		}
		claims = append(claims, claimCandidate{entry: e, direction: c.inferDirectionLocked(b, e.SuggestedAuthority)})
	}
	return claims, releases
}

// inferDirectionLocked picks the direction with more usable track within the
// authority. Blocks with a single way out use it.
func (c *Controller) inferDirectionLocked(b track.Block, authority float64) protocol.Direction {
	if !b.Bidirectional && b.ForwardNext != track.None {
		return protocol.Forward
	}
	if b.ForwardNext == track.None && b.ReverseNext != track.None && b.BranchNext == track.None {
		return protocol.Reverse
	}
	sw := track.SwitchPositions(c.committed.Switches)
	fwd := c.graph.RunLength(b.ID, protocol.Forward, sw, authority)
	rev := c.graph.RunLength(b.ID, protocol.Reverse, sw, authority)
	if rev > fwd {
		return protocol.Reverse
	}
	return protocol.Forward
}

// maybeReactivateLocked starts a fresh leg for a holding or dwelling train
// that the CTC has granted more authority.
func (c *Controller) maybeReactivateLocked(t *TrainState, e protocol.CTCTrain) {
	if t.Phase != PhaseHolding && t.Phase != PhaseDwelling {
		return
	}
	if e.SuggestedAuthority <= t.LastGranted {
		return
	}
	b, ok := c.graph.Block(t.Position)
	if !ok || !b.LegStart() {
		return
	}
	t.Direction = c.inferDirectionLocked(b, e.SuggestedAuthority)
	t.LastGranted = e.SuggestedAuthority
	c.granted[t.Name] = e.SuggestedAuthority
	c.startLegLocked(t, e.SuggestedAuthority, LegReactivate)
}

func (c *Controller) startLegLocked(t *TrainState, authority float64, reason string) {
	if authority < 0 {
		authority = 0
	}
	t.AuthorityRemaining = authority
	t.AuthorityLegStart = authority
	t.CumulativeInLeg = 0
	t.Phase = PhaseActive
	t.DwellStartedAt = time.Time{}
	t.Legs++
	c.logLegLocked(t, reason)
}

func (c *Controller) claim(ctx context.Context, cand claimCandidate) {
	e := cand.entry
	if c.owners != nil {
		err := c.retry(ctx, func(ctx context.Context) error { return c.owners.Claim(ctx, e.Name, c.cfg.ID) })
		if err != nil {
			if !permanent(err) {
				c.mu.Lock()
				c.markDegradedLocked("ownership", "claim %s failed: %v", e.Name, err)
				c.mu.Unlock()
			}
			return
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.trains[e.Name]; exists {
		return
	}
	b, _ := c.graph.Block(e.Position)
	t := &TrainState{
		Name:           e.Name,
		Position:       e.Position,
		PrevPosition:   track.None,
		Direction:      cand.direction,
		SuggestedSpeed: e.SuggestedSpeed,
		LastGranted:    e.SuggestedAuthority,
		LegIndex:       c.path.locate(e.Position, 0),
		LastSeenBlock:  e.Position,
		Active:         true,
		Destination:    e.Destination,
	}
	if b.IsStation {
		t.CurrentStation = b.StationName
	}
	if _, st, ok := c.graph.DistanceToNextStation(b.ID, 0, t.Direction, c.committed.Switches); ok {
		if nb, ok := c.graph.Block(st); ok {
			t.NextStation = nb.StationName
		}
	}
	c.granted[e.Name] = e.SuggestedAuthority
	c.trains[e.Name] = t
	c.startLegLocked(t, e.SuggestedAuthority, LegClaim)
	c.publishViewLocked()
}

func (c *Controller) release(ctx context.Context, name string) {
	if c.owners == nil {
		return
	}
	err := c.retry(ctx, func(ctx context.Context) error { return c.owners.Release(ctx, name, c.cfg.ID) })
	if err != nil && !errors.Is(err, protocol.ErrNotOwner) {
		c.mu.Lock()
		c.markDegradedLocked("ownership", "release %s failed: %v", name, err)
		c.mu.Unlock()
	}
}
