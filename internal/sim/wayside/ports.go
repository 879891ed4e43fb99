package wayside

import (
	"context"

	"wayside.ai/internal/protocol"
)

// FeedSource returns the latest CTC feed. Errors wrapping protocol.ErrInvalid
// mean the document itself was malformed; anything else is treated as a
// transient read failure and retried.
type FeedSource interface {
	LatestFeed(ctx context.Context) (protocol.CTCFeedMsg, error)
}

type TelemetrySource interface {
	LatestTelemetry(ctx context.Context) (protocol.TelemetryMsg, error)
}

// OccupancySource is the track model's view of occupied blocks.
type OccupancySource interface {
	LatestOccupancy(ctx context.Context) (protocol.OccupancyMsg, error)
}

// CommandSink receives the per-train commands and the wayside outputs. Each
// message replaces the previous one for the controller as a whole.
type CommandSink interface {
	PublishCommands(ctx context.Context, msg protocol.TrainCommandsMsg) error
	PublishOutputs(ctx context.Context, msg protocol.WaysideOutputsMsg) error
}

type ReportSink interface {
	PublishReport(ctx context.Context, msg protocol.CTCReportMsg) error
}

// HandoffExchange carries packets between controllers. Publish moves the train
// into transit (the publisher must own it); Take hands the packet to exactly one
// caller and makes that caller the owner.
type HandoffExchange interface {
	Publish(ctx context.Context, pkt protocol.HandoffPacket) error
	Pending(ctx context.Context) ([]protocol.HandoffPacket, error)
	Take(ctx context.Context, packetID, controller string) (protocol.HandoffPacket, error)
}

// OwnershipRegistry records which controller owns each train.
type OwnershipRegistry interface {
	Claim(ctx context.Context, train, controller string) error
	Release(ctx context.Context, train, controller string) error
	Owner(ctx context.Context, train string) (string, bool, error)
}

// Optional loggers (may be nil). Implemented in internal/persistence/*.
type CycleLogger interface {
	WriteCycle(entry CycleLogEntry) error
}

type RejectionLogger interface {
	WriteRejection(entry RejectionEntry) error
}

type HandoffLogger interface {
	WriteHandoff(entry HandoffEntry) error
}

type LegLogger interface {
	WriteLeg(entry LegEntry) error
}
