// Package bus is the in-process message exchange between controllers and the
// simulated CTC, train and track models. One Hub serves a whole line: it holds
// the latest feed, telemetry and occupancy documents, the latest outputs of
// each controller, the pending handoff packets and the ownership registry.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"wayside.ai/internal/protocol"
)

type owner struct {
	controller string
	packetID   string // set while the train is in transit
}

type Hub struct {
	mu sync.RWMutex

	feed      protocol.CTCFeedMsg
	telemetry protocol.TelemetryMsg
	occupancy protocol.OccupancyMsg

	commands map[string]protocol.TrainCommandsMsg
	outputs  map[string]protocol.WaysideOutputsMsg
	reports  map[string]protocol.CTCReportMsg

	owners  map[string]owner
	packets map[string]protocol.HandoffPacket

	faults map[string]fault
	// invalid holds the decode error of the latest raw document per input op
	// until a valid one replaces it.
	invalid map[string]error
}

type fault struct {
	remaining int
	err       error
}

// Operation names accepted by Inject.
const (
	OpFeed      = "feed"
	OpTelemetry = "telemetry"
	OpOccupancy = "occupancy"
	OpCommands  = "commands"
	OpOutputs   = "outputs"
	OpReport    = "report"
	OpPublish   = "publish"
	OpPending   = "pending"
	OpTake      = "take"
	OpClaim     = "claim"
	OpRelease   = "release"
)

func NewHub() *Hub {
	return &Hub{
		commands: map[string]protocol.TrainCommandsMsg{},
		outputs:  map[string]protocol.WaysideOutputsMsg{},
		reports:  map[string]protocol.CTCReportMsg{},
		owners:   map[string]owner{},
		packets:  map[string]protocol.HandoffPacket{},
		faults:   map[string]fault{},
		invalid:  map[string]error{},
	}
}

// Inject makes the next n calls of op fail with err. n < 0 fails until cleared
// with n == 0.
func (h *Hub) Inject(op string, n int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n == 0 {
		delete(h.faults, op)
		return
	}
	h.faults[op] = fault{remaining: n, err: err}
}

// failLocked consumes one injected failure for op.
func (h *Hub) failLocked(op string) error {
	f, ok := h.faults[op]
	if !ok {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(h.faults, op)
		} else {
			h.faults[op] = f
		}
	}
	if f.err == nil {
		return fmt.Errorf("bus: injected %s failure", op)
	}
	return f.err
}

func (h *Hub) SetFeed(m protocol.CTCFeedMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.feed = m
	delete(h.invalid, OpFeed)
}

func (h *Hub) SetTelemetry(m protocol.TelemetryMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.telemetry = m
	delete(h.invalid, OpTelemetry)
}

func (h *Hub) SetOccupancy(m protocol.OccupancyMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.occupancy = m
	delete(h.invalid, OpOccupancy)
}

// markInvalid makes readers of op see err until the next valid document.
func (h *Hub) markInvalid(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invalid[op] = err
}

// IngestFeed decodes a raw CTC_FEED document. A document that fails
// validation is remembered: readers get an error wrapping protocol.ErrInvalid
// instead of the previous feed.
func (h *Hub) IngestFeed(raw []byte) error {
	m, err := protocol.DecodeCTCFeed(raw)
	if err != nil {
		h.markInvalid(OpFeed, err)
		return err
	}
	h.SetFeed(m)
	return nil
}

func (h *Hub) IngestTelemetry(raw []byte) error {
	m, err := protocol.DecodeTelemetry(raw)
	if err != nil {
		h.markInvalid(OpTelemetry, err)
		return err
	}
	h.SetTelemetry(m)
	return nil
}

func (h *Hub) IngestOccupancy(raw []byte) error {
	m, err := protocol.DecodeOccupancy(raw)
	if err != nil {
		h.markInvalid(OpOccupancy, err)
		return err
	}
	h.SetOccupancy(m)
	return nil
}

// Ingest routes a raw input document by its type field and returns the type.
func (h *Hub) Ingest(raw []byte) (string, error) {
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrInvalid, err)
	}
	switch base.Type {
	case protocol.TypeCTCFeed:
		return base.Type, h.IngestFeed(raw)
	case protocol.TypeTelemetry:
		return base.Type, h.IngestTelemetry(raw)
	case protocol.TypeOccupancy:
		return base.Type, h.IngestOccupancy(raw)
	default:
		return base.Type, fmt.Errorf("%w: unexpected document type %q", protocol.ErrInvalid, base.Type)
	}
}

func (h *Hub) LatestFeed(ctx context.Context) (protocol.CTCFeedMsg, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpFeed); err != nil {
		return protocol.CTCFeedMsg{}, err
	}
	if err := h.invalid[OpFeed]; err != nil {
		return protocol.CTCFeedMsg{}, err
	}
	m := h.feed
	m.Trains = append([]protocol.CTCTrain(nil), h.feed.Trains...)
	m.Closures = append([]int(nil), h.feed.Closures...)
	return m, nil
}

func (h *Hub) LatestTelemetry(ctx context.Context) (protocol.TelemetryMsg, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpTelemetry); err != nil {
		return protocol.TelemetryMsg{}, err
	}
	if err := h.invalid[OpTelemetry]; err != nil {
		return protocol.TelemetryMsg{}, err
	}
	m := h.telemetry
	m.Trains = append([]protocol.TrainTelemetry(nil), h.telemetry.Trains...)
	return m, nil
}

func (h *Hub) LatestOccupancy(ctx context.Context) (protocol.OccupancyMsg, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpOccupancy); err != nil {
		return protocol.OccupancyMsg{}, err
	}
	if err := h.invalid[OpOccupancy]; err != nil {
		return protocol.OccupancyMsg{}, err
	}
	m := h.occupancy
	m.Occupied = append([]int(nil), h.occupancy.Occupied...)
	return m, nil
}

func (h *Hub) PublishCommands(ctx context.Context, m protocol.TrainCommandsMsg) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpCommands); err != nil {
		return err
	}
	h.commands[m.Controller] = m
	return nil
}

func (h *Hub) PublishOutputs(ctx context.Context, m protocol.WaysideOutputsMsg) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpOutputs); err != nil {
		return err
	}
	h.outputs[m.Controller] = m
	return nil
}

func (h *Hub) PublishReport(ctx context.Context, m protocol.CTCReportMsg) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpReport); err != nil {
		return err
	}
	h.reports[m.Controller] = m
	return nil
}

func (h *Hub) Commands(controller string) (protocol.TrainCommandsMsg, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.commands[controller]
	return m, ok
}

func (h *Hub) Outputs(controller string) (protocol.WaysideOutputsMsg, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.outputs[controller]
	return m, ok
}

func (h *Hub) Report(controller string) (protocol.CTCReportMsg, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.reports[controller]
	return m, ok
}

// Command returns the latest command for train from any controller.
func (h *Hub) Command(train string) (protocol.TrainCommand, string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range sortedKeys(h.commands) {
		for _, c := range h.commands[id].Commands {
			if c.Train == train {
				return c, id, true
			}
		}
	}
	return protocol.TrainCommand{}, "", false
}

// ReportedPositions maps every train some controller reports as active to its
// reported block.
func (h *Hub) ReportedPositions() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := map[string]int{}
	for _, id := range sortedKeys(h.reports) {
		for _, r := range h.reports[id].Reports {
			if r.Active {
				out[r.Train] = r.Position
			}
		}
	}
	return out
}

// Claim registers controller as owner of train. Claiming a train already owned
// by the same controller succeeds.
func (h *Hub) Claim(ctx context.Context, train, controller string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpClaim); err != nil {
		return err
	}
	if o, ok := h.owners[train]; ok {
		if o.packetID != "" {
			return fmt.Errorf("claim %s: %w", train, protocol.ErrInTransit)
		}
		if o.controller != controller {
			return fmt.Errorf("claim %s by %s: %w (%s)", train, controller, protocol.ErrTrainOwned, o.controller)
		}
		return nil
	}
	h.owners[train] = owner{controller: controller}
	return nil
}

func (h *Hub) Release(ctx context.Context, train, controller string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpRelease); err != nil {
		return err
	}
	o, ok := h.owners[train]
	if !ok || o.controller != controller || o.packetID != "" {
		return fmt.Errorf("release %s by %s: %w", train, controller, protocol.ErrNotOwner)
	}
	delete(h.owners, train)
	return nil
}

func (h *Hub) Owner(ctx context.Context, train string) (string, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	o, ok := h.owners[train]
	if !ok || o.packetID != "" {
		return "", false, nil
	}
	return o.controller, true, nil
}

// Publish puts a packet in transit. The sender must own the train (or the
// train must be unregistered). Republishing the same packet is a no-op.
func (h *Hub) Publish(ctx context.Context, pkt protocol.HandoffPacket) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpPublish); err != nil {
		return err
	}
	if o, ok := h.owners[pkt.Train]; ok {
		if o.packetID == pkt.PacketID {
			return nil
		}
		if o.controller != pkt.From || o.packetID != "" {
			return fmt.Errorf("handoff %s of %s from %s: %w", pkt.PacketID, pkt.Train, pkt.From, protocol.ErrNotOwner)
		}
	}
	h.owners[pkt.Train] = owner{controller: pkt.From, packetID: pkt.PacketID}
	h.packets[pkt.PacketID] = pkt
	return nil
}

// Pending lists packets in transit, oldest first.
func (h *Hub) Pending(ctx context.Context) ([]protocol.HandoffPacket, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpPending); err != nil {
		return nil, err
	}
	out := make([]protocol.HandoffPacket, 0, len(h.packets))
	for _, p := range h.packets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedUnixMs != out[j].IssuedUnixMs {
			return out[i].IssuedUnixMs < out[j].IssuedUnixMs
		}
		return out[i].PacketID < out[j].PacketID
	})
	return out, nil
}

// Take removes the packet and makes controller the owner of its train.
func (h *Hub) Take(ctx context.Context, packetID, controller string) (protocol.HandoffPacket, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failLocked(OpTake); err != nil {
		return protocol.HandoffPacket{}, err
	}
	pkt, ok := h.packets[packetID]
	if !ok {
		return protocol.HandoffPacket{}, fmt.Errorf("take %s: %w", packetID, protocol.ErrPacketGone)
	}
	delete(h.packets, packetID)
	h.owners[pkt.Train] = owner{controller: controller}
	return pkt, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
