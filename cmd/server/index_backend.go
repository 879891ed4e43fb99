package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"wayside.ai/internal/persistence/indexdb"
	"wayside.ai/internal/persistence/snapshot"
	"wayside.ai/internal/sim/wayside"
)

type runtimeIndex interface {
	wayside.CycleLogger
	wayside.RejectionLogger
	wayside.HandoffLogger
	wayside.LegLogger
	Close() error
	UpsertConfigs(docs map[string]any) error
	RecordSnapshot(path string, snap snapshot.LineSnapshotV1)
	Stats() indexdb.Stats
}

func openRuntimeIndex(lineDir string, disableDB bool, logger *log.Logger) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("WAYSIDE_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		logger.Printf("index backend disabled (WAYSIDE_INDEX_BACKEND=%s)", backend)
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(lineDir, "index", "line.sqlite")
		idx, err := indexdb.OpenSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported WAYSIDE_INDEX_BACKEND: %s", backend)
	}
}
