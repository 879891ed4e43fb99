package wayside

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"wayside.ai/internal/protocol"
)

// offsetEpsilon absorbs float drift so a train stopped on a block's far
// boundary stays in that block.
const offsetEpsilon = 1e-6

type trainEvent int

const (
	evNone trainEvent = iota
	evEmit
	evTerminated
)

// StepProgression accepts inbound handoffs, advances every owned train by one
// progression period and publishes commands and reports.
func (c *Controller) StepProgression(ctx context.Context) {
	c.acceptHandoffs(ctx)

	now := c.clk.Now()
	dt := c.cfg.Tuning.ProgressionPeriod().Seconds()

	c.mu.Lock()
	c.progCycle++
	positions := c.pathPositionsLocked()
	var (
		emits    []protocol.HandoffPacket
		releases []string
	)
	for _, name := range sortedNames(c.trains) {
		t := c.trains[name]
		switch c.advanceLocked(t, dt, now, positions) {
		case evEmit:
			if t.Pending == nil {
				pkt := c.packetLocked(t, now)
				t.Pending = &pkt
				t.Phase = PhaseHandoffPending
				t.CommandedSpeed = 0
			}
			emits = append(emits, *t.Pending)
		case evTerminated:
			t.Active = false
			t.CommandedSpeed = 0
			delete(c.trains, name)
			c.farewells = append(c.farewells, protocol.TrainReport{Train: name, Position: t.Position, State: protocol.Stopped})
			releases = append(releases, name)
		}
		if t.Phase != PhaseHandoffPending {
			c.checkInvariantsLocked(t)
		}
	}
	cmds, report := c.outboundLocked()
	c.publishViewLocked()
	c.mu.Unlock()

	for _, pkt := range emits {
		c.emit(ctx, pkt)
	}
	for _, name := range releases {
		c.release(ctx, name)
	}
	c.publishOutbound(ctx, cmds, report)
	c.refreshView()
}

// advanceLocked runs one progression step for t.
func (c *Controller) advanceLocked(t *TrainState, dt float64, now time.Time, positions []pathPos) trainEvent {
	switch t.Phase {
	case PhaseHandoffPending:
		return evEmit
	case PhaseHolding:
		t.CommandedSpeed = 0
		return evNone
	case PhaseDwelling:
		t.CommandedSpeed = 0
		t.AuthorityRemaining = 0
		if now.Sub(t.DwellStartedAt) < c.cfg.Tuning.Dwell() {
			return evNone
		}
		return c.finishDwellLocked(t)
	}

	b, _ := c.graph.Block(t.Position)
	gap, ahead := c.gapAheadLocked(t, positions)
	target := c.gov.Target(t.AuthorityRemaining, b.SpeedLimit, t.SuggestedSpeed, gap, ahead)
	t.CommandedSpeed = c.gov.Ramp(t.CommandedSpeed, target, dt, b.SpeedLimit)

	v := t.CommandedSpeed
	if tv, ok := c.telemetry[t.Name]; ok && !math.IsNaN(tv) && tv >= 0 {
		v = tv
	}
	dist := math.Min(v*dt, t.AuthorityRemaining)
	if dist < 0 || math.IsNaN(dist) {
		dist = 0
	}
	t.AuthorityRemaining -= dist
	t.CumulativeInLeg += dist
	t.BlockOffset += dist

	for {
		cur, _ := c.graph.Block(t.Position)
		if t.BlockOffset <= cur.Length+offsetEpsilon {
			break
		}
		next, dir, ok := c.graph.Next(t.Position, t.Direction, c.committed.Switches)
		if !ok {
			t.BlockOffset = cur.Length
			c.logLegLocked(t, LegEndOfLine)
			return evTerminated
		}
		if c.flips[Flip{From: t.Position, To: next}] {
			dir = dir.Opposite()
		}
		t.BlockOffset -= cur.Length
		t.PrevPosition = t.Position
		t.Position = next
		t.Direction = dir
		t.LastSeenBlock = next
		t.LegIndex = c.path.locate(next, t.LegIndex+1)

		nb, _ := c.graph.Block(next)
		if beacon := nb.BeaconIn(dir); beacon.HasBeacon {
			t.CurrentStation = beacon.CurrentStation
			t.NextStation = beacon.NextStation
		} else if nb.IsStation {
			t.CurrentStation = nb.StationName
		}
		if t.CommandedSpeed > nb.SpeedLimit {
			t.CommandedSpeed = nb.SpeedLimit
		}
		if !c.visible[next] {
			return evEmit
		}
	}

	if c.gov.Exhausted(t.AuthorityRemaining, t.CommandedSpeed) {
		t.AuthorityRemaining = 0
		t.CommandedSpeed = 0
		t.Phase = PhaseDwelling
		t.DwellStartedAt = now
	}
	return evNone
}

// finishDwellLocked ends a dwell: terminate at the destination, otherwise
// recalculate the leg to the next station or hold.
func (c *Controller) finishDwellLocked(t *TrainState) trainEvent {
	b, _ := c.graph.Block(t.Position)
	if t.Destination != "" && b.IsStation && b.StationName == t.Destination {
		c.logLegLocked(t, LegTerminated)
		return evTerminated
	}
	dist, st, ok := c.graph.DistanceToNextStation(t.Position, t.BlockOffset, t.Direction, c.committed.Switches)
	if !ok {
		t.Phase = PhaseHolding
		t.DwellStartedAt = time.Time{}
		c.logLegLocked(t, LegHolding)
		return evNone
	}
	if nb, ok := c.graph.Block(st); ok {
		t.NextStation = nb.StationName
	}
	c.startLegLocked(t, dist, LegDwellRecalc)
	return evNone
}

// pathPositionsLocked places owned trains and trains the feed reports
// elsewhere onto the default path.
func (c *Controller) pathPositionsLocked() []pathPos {
	var out []pathPos
	for _, name := range sortedNames(c.trains) {
		t := c.trains[name]
		if t.Phase == PhaseHandoffPending {
			continue
		}
		idx := c.path.locate(t.Position, max(t.LegIndex, 0))
		if idx < 0 {
			continue
		}
		out = append(out, pathPos{name: name, index: idx, coord: c.path.coord(idx, t.BlockOffset, c.withPath(idx, t.Direction))})
	}
	for _, e := range c.feed.Trains {
		if _, owned := c.trains[e.Name]; owned || !e.Active || e.Malformed {
			continue
		}
		idx := c.path.locate(e.Position, 0)
		if idx < 0 {
			continue
		}
		// Position only: assume the train sits at the entry of its block.
		out = append(out, pathPos{name: e.Name, index: idx, coord: c.path.coord(idx, 0, true)})
	}
	return out
}

func (c *Controller) withPath(idx int, dir protocol.Direction) bool {
	return c.path.steps[idx].Direction == dir
}

func (c *Controller) gapAheadLocked(t *TrainState, positions []pathPos) (float64, bool) {
	idx := c.path.locate(t.Position, max(t.LegIndex, 0))
	if idx < 0 {
		return 0, false
	}
	along := c.withPath(idx, t.Direction)
	me := pathPos{name: t.Name, index: idx, coord: c.path.coord(idx, t.BlockOffset, along)}
	return c.path.gapAhead(me, along, positions, c.cfg.Tuning.Governor.LookaheadPositions)
}

// checkInvariantsLocked clamps impossible values and counts each correction.
func (c *Controller) checkInvariantsLocked(t *TrainState) {
	fix := func(v *float64, lo, hi float64, what string) {
		switch {
		case math.IsNaN(*v):
			*v = lo
		case *v < lo:
			*v = lo
		case *v > hi:
			*v = hi
		default:
			return
		}
		c.violations++
		c.logger.Printf("invariant: train %s %s out of range, clamped", t.Name, what)
	}
	b, ok := c.graph.Block(t.Position)
	limit := math.Inf(1)
	if ok {
		limit = b.SpeedLimit
	}
	fix(&t.AuthorityRemaining, 0, math.Inf(1), "authority")
	fix(&t.CommandedSpeed, 0, limit, "commanded speed")
	fix(&t.CumulativeInLeg, 0, math.Inf(1), "cumulative distance")
	if ok {
		fix(&t.BlockOffset, 0, b.Length+offsetEpsilon, "block offset")
	}
}

func (c *Controller) packetLocked(t *TrainState, now time.Time) protocol.HandoffPacket {
	return protocol.HandoffPacket{
		Type:                    protocol.TypeHandoff,
		ProtocolVersion:         c.cfg.Tuning.ProtocolVersion,
		PacketID:                uuid.NewString(),
		Train:                   t.Name,
		From:                    c.cfg.ID,
		Position:                t.Position,
		PrevPosition:            t.PrevPosition,
		Direction:               t.Direction,
		BlockOffset:             t.BlockOffset,
		CommandedSpeed:          t.CommandedSpeed,
		AuthorityRemaining:      t.AuthorityRemaining,
		AuthorityLegStart:       t.AuthorityLegStart,
		CumulativeDistanceInLeg: t.CumulativeInLeg,
		LastGrantedAuthority:    t.LastGranted,
		Destination:             t.Destination,
		CurrentStation:          t.CurrentStation,
		NextStation:             t.NextStation,
		IssuedUnixMs:            now.UnixMilli(),
	}
}

// outboundLocked builds the per-train commands and the CTC report.
func (c *Controller) outboundLocked() (protocol.TrainCommandsMsg, protocol.CTCReportMsg) {
	cmds := protocol.TrainCommandsMsg{
		Type:            protocol.TypeTrainCommands,
		ProtocolVersion: c.cfg.Tuning.ProtocolVersion,
		Controller:      c.cfg.ID,
		Cycle:           c.progCycle,
		Commands:        []protocol.TrainCommand{},
	}
	report := protocol.CTCReportMsg{
		Type:            protocol.TypeCTCReport,
		ProtocolVersion: c.cfg.Tuning.ProtocolVersion,
		Controller:      c.cfg.ID,
		Reports:         []protocol.TrainReport{},
	}
	for _, name := range sortedNames(c.trains) {
		t := c.trains[name]
		if t.Phase == PhaseHandoffPending {
			continue
		}
		cmds.Commands = append(cmds.Commands, protocol.TrainCommand{
			Train:              name,
			CommandedSpeed:     t.CommandedSpeed,
			CommandedAuthority: t.AuthorityRemaining,
			CurrentStation:     t.CurrentStation,
			NextStation:        t.NextStation,
		})
		state := protocol.Stopped
		if c.speedLocked(t) > c.cfg.Tuning.Tracker.MovingThreshold {
			state = protocol.Moving
		}
		report.Reports = append(report.Reports, protocol.TrainReport{Train: name, Position: t.Position, State: state, Active: true})
	}
	report.Reports = append(report.Reports, c.farewells...)
	c.farewells = nil
	return cmds, report
}

func (c *Controller) speedLocked(t *TrainState) float64 {
	if v, ok := c.telemetry[t.Name]; ok {
		return v
	}
	return t.CommandedSpeed
}

func (c *Controller) publishOutbound(ctx context.Context, cmds protocol.TrainCommandsMsg, report protocol.CTCReportMsg) {
	if c.commands != nil {
		err := c.retry(ctx, func(ctx context.Context) error { return c.commands.PublishCommands(ctx, cmds) })
		c.noteSink("commands", err)
	}
	if c.reports != nil {
		err := c.retry(ctx, func(ctx context.Context) error { return c.reports.PublishReport(ctx, report) })
		c.noteSink("reports", err)
	}
}

func (c *Controller) noteSink(source string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.markDegradedLocked(source, "publish failed: %v", err)
		return
	}
	c.clearDegradedLocked(source)
}
