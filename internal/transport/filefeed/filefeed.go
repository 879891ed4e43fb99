// Package filefeed is a Backplane over a shared directory, for running each
// controller (and the CTC, train and track models) as a separate process.
//
// Layout under the root:
//
//	inputs/{feed,telemetry,occupancy}.json   written by collaborators
//	outputs/<controller>/{commands,outputs,report}.json
//	handoff/<packet>.json                    packets in transit
//	owners/<train>.json                      ownership registry
//
// Every write is tmp + rename so readers never see a partial document. A
// packet is taken by renaming it into handoff/taken/; only one rename wins.
package filefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"wayside.ai/internal/protocol"
)

type Dir struct {
	root string
	log  *log.Logger
}

type ownerRecord struct {
	Controller string `json:"controller"`
	PacketID   string `json:"packet_id,omitempty"`
}

// Open creates the directory layout under root if needed.
func Open(root string, logger *log.Logger) (*Dir, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	for _, sub := range []string{"inputs", "outputs", "handoff", filepath.Join("handoff", "taken"), "owners"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, err
		}
	}
	return &Dir{root: root, log: logger}, nil
}

func (d *Dir) Root() string { return d.root }

func (d *Dir) inputPath(name string) string { return filepath.Join(d.root, "inputs", name+".json") }

// readInput returns (nil, nil) when the document has not been written yet.
func (d *Dir) readInput(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(d.inputPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

func (d *Dir) LatestFeed(ctx context.Context) (protocol.CTCFeedMsg, error) {
	b, err := d.readInput(ctx, "feed")
	if err != nil || b == nil {
		return protocol.CTCFeedMsg{}, err
	}
	return protocol.DecodeCTCFeed(b)
}

func (d *Dir) LatestTelemetry(ctx context.Context) (protocol.TelemetryMsg, error) {
	b, err := d.readInput(ctx, "telemetry")
	if err != nil || b == nil {
		return protocol.TelemetryMsg{}, err
	}
	return protocol.DecodeTelemetry(b)
}

func (d *Dir) LatestOccupancy(ctx context.Context) (protocol.OccupancyMsg, error) {
	b, err := d.readInput(ctx, "occupancy")
	if err != nil || b == nil {
		return protocol.OccupancyMsg{}, err
	}
	return protocol.DecodeOccupancy(b)
}

// PutInput atomically replaces an input document. The content is not
// validated here; readers validate it.
func (d *Dir) PutInput(name string, raw []byte) error {
	switch name {
	case "feed", "telemetry", "occupancy":
	default:
		return fmt.Errorf("filefeed: unknown input %q", name)
	}
	return writeFileAtomic(d.inputPath(name), raw)
}

func (d *Dir) outputPath(controller, name string) string {
	return filepath.Join(d.root, "outputs", controller, name+".json")
}

func (d *Dir) writeOutput(ctx context.Context, controller, name string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if controller == "" {
		return fmt.Errorf("filefeed: %s without controller", name)
	}
	if err := os.MkdirAll(filepath.Dir(d.outputPath(controller, name)), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeFileAtomic(d.outputPath(controller, name), b)
}

func (d *Dir) PublishCommands(ctx context.Context, m protocol.TrainCommandsMsg) error {
	return d.writeOutput(ctx, m.Controller, "commands", m)
}

func (d *Dir) PublishOutputs(ctx context.Context, m protocol.WaysideOutputsMsg) error {
	return d.writeOutput(ctx, m.Controller, "outputs", m)
}

func (d *Dir) PublishReport(ctx context.Context, m protocol.CTCReportMsg) error {
	return d.writeOutput(ctx, m.Controller, "report", m)
}

// ReadOutput loads one published output document into v.
func (d *Dir) ReadOutput(controller, name string, v any) error {
	b, err := os.ReadFile(d.outputPath(controller, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Ownership registry.

func (d *Dir) ownerPath(train string) string {
	return filepath.Join(d.root, "owners", safeName(train)+".json")
}

func (d *Dir) readOwner(train string) (ownerRecord, bool, error) {
	var rec ownerRecord
	b, err := os.ReadFile(d.ownerPath(train))
	if errors.Is(err, fs.ErrNotExist) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, false, fmt.Errorf("owner record %s: %w", train, err)
	}
	return rec, true, nil
}

func (d *Dir) writeOwner(train string, rec ownerRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return writeFileAtomic(d.ownerPath(train), b)
}

// Claim creates the owner record with O_EXCL so two processes cannot both
// register a new train.
func (d *Dir) Claim(ctx context.Context, train, controller string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(ownerRecord{Controller: controller})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(d.ownerPath(train), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		_, werr := f.Write(b)
		cerr := f.Close()
		if werr != nil {
			return werr
		}
		return cerr
	}
	if !errors.Is(err, fs.ErrExist) {
		return err
	}
	rec, ok, err := d.readOwner(train)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("claim %s: owner record vanished", train)
	}
	if rec.PacketID != "" {
		return fmt.Errorf("claim %s: %w", train, protocol.ErrInTransit)
	}
	if rec.Controller != controller {
		return fmt.Errorf("claim %s by %s: %w (%s)", train, controller, protocol.ErrTrainOwned, rec.Controller)
	}
	return nil
}

func (d *Dir) Release(ctx context.Context, train, controller string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, ok, err := d.readOwner(train)
	if err != nil {
		return err
	}
	if !ok || rec.Controller != controller || rec.PacketID != "" {
		return fmt.Errorf("release %s by %s: %w", train, controller, protocol.ErrNotOwner)
	}
	return os.Remove(d.ownerPath(train))
}

func (d *Dir) Owner(ctx context.Context, train string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	rec, ok, err := d.readOwner(train)
	if err != nil || !ok || rec.PacketID != "" {
		return "", false, err
	}
	return rec.Controller, true, nil
}

// Handoff exchange.

func (d *Dir) packetPath(id string) string {
	return filepath.Join(d.root, "handoff", safeName(id)+".json")
}

// Publish writes the packet, then marks the train in transit. A crash between
// the two leaves a packet whose take still makes the receiver the owner.
func (d *Dir) Publish(ctx context.Context, pkt protocol.HandoffPacket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, ok, err := d.readOwner(pkt.Train)
	if err != nil {
		return err
	}
	if ok {
		if rec.PacketID == pkt.PacketID {
			return nil
		}
		if rec.Controller != pkt.From || rec.PacketID != "" {
			return fmt.Errorf("handoff %s of %s from %s: %w", pkt.PacketID, pkt.Train, pkt.From, protocol.ErrNotOwner)
		}
	}
	if pkt.Type == "" {
		pkt.Type = protocol.TypeHandoff
	}
	if pkt.ProtocolVersion == "" {
		pkt.ProtocolVersion = protocol.Version
	}
	b, err := json.Marshal(pkt)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(d.packetPath(pkt.PacketID), b); err != nil {
		return err
	}
	return d.writeOwner(pkt.Train, ownerRecord{Controller: pkt.From, PacketID: pkt.PacketID})
}

// Pending lists valid packets in transit, oldest first. Packets that fail the
// schema are skipped and logged.
func (d *Dir) Pending(ctx context.Context) ([]protocol.HandoffPacket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(d.root, "handoff"))
	if err != nil {
		return nil, err
	}
	out := make([]protocol.HandoffPacket, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(d.root, "handoff", e.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue // taken meanwhile
		}
		if err != nil {
			return nil, err
		}
		pkt, err := protocol.DecodeHandoff(b)
		if err != nil {
			d.log.Printf("filefeed: skipping packet %s: %v", e.Name(), err)
			continue
		}
		out = append(out, pkt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedUnixMs != out[j].IssuedUnixMs {
			return out[i].IssuedUnixMs < out[j].IssuedUnixMs
		}
		return out[i].PacketID < out[j].PacketID
	})
	return out, nil
}

func (d *Dir) Take(ctx context.Context, packetID, controller string) (protocol.HandoffPacket, error) {
	if err := ctx.Err(); err != nil {
		return protocol.HandoffPacket{}, err
	}
	taken := filepath.Join(d.root, "handoff", "taken", safeName(packetID)+"."+safeName(controller)+".json")
	if err := os.Rename(d.packetPath(packetID), taken); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return protocol.HandoffPacket{}, fmt.Errorf("take %s: %w", packetID, protocol.ErrPacketGone)
		}
		return protocol.HandoffPacket{}, err
	}
	b, err := os.ReadFile(taken)
	if err != nil {
		return protocol.HandoffPacket{}, err
	}
	pkt, err := protocol.DecodeHandoff(b)
	if err != nil {
		return protocol.HandoffPacket{}, err
	}
	if err := d.writeOwner(pkt.Train, ownerRecord{Controller: controller}); err != nil {
		return protocol.HandoffPacket{}, err
	}
	_ = os.Remove(taken)
	return pkt, nil
}

func writeFileAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// safeName keeps ids usable as file names.
func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
