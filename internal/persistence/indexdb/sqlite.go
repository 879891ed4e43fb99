package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"wayside.ai/internal/persistence/snapshot"
	"wayside.ai/internal/sim/wayside"
)

// SQLiteIndex is a queryable secondary index over the controller logs. Writes
// are queued to a single writer goroutine and dropped when the queue is full;
// the JSONL logs remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropCycle     atomic.Uint64
	dropRejection atomic.Uint64
	dropHandoff   atomic.Uint64
	dropLeg       atomic.Uint64
	dropSnapshot  atomic.Uint64
}

type reqKind int

const (
	reqCycle reqKind = iota + 1
	reqRejection
	reqHandoff
	reqLeg
	reqSnapshot
)

type req struct {
	kind reqKind

	cycle     wayside.CycleLogEntry
	rejection wayside.RejectionEntry
	handoff   wayside.HandoffEntry
	leg       wayside.LegEntry
	snapshot  snapshotRow
}

type snapshotRow struct {
	SimUnixMs   int64
	Path        string
	Line        string
	Controllers int
	Trains      int
}

// Stats reports queue pressure.
type Stats struct {
	QueueDepth         int    `json:"queue_depth"`
	QueueCapacity      int    `json:"queue_capacity"`
	DropCycleTotal     uint64 `json:"drop_cycle_total"`
	DropRejectionTotal uint64 `json:"drop_rejection_total"`
	DropHandoffTotal   uint64 `json:"drop_handoff_total"`
	DropLegTotal       uint64 `json:"drop_leg_total"`
	DropSnapshotTotal  uint64 `json:"drop_snapshot_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS configs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cycles (
			controller TEXT NOT NULL,
			cycle INTEGER NOT NULL,
			sim_ms INTEGER NOT NULL,
			occupied INTEGER NOT NULL,
			closed INTEGER NOT NULL,
			rejections INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (controller, cycle)
		);`,
		`CREATE TABLE IF NOT EXISTS rejections (
			controller TEXT NOT NULL,
			cycle INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			sim_ms INTEGER NOT NULL,
			source TEXT NOT NULL,
			kind TEXT NOT NULL,
			block INTEGER NOT NULL,
			code TEXT NOT NULL,
			reason TEXT,
			PRIMARY KEY (controller, cycle, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rejections_block ON rejections(block, sim_ms);`,
		`CREATE TABLE IF NOT EXISTS handoffs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			packet_id TEXT NOT NULL,
			event TEXT NOT NULL,
			controller TEXT NOT NULL,
			train TEXT NOT NULL,
			position INTEGER NOT NULL,
			prev_position INTEGER NOT NULL,
			authority REAL NOT NULL,
			cumulative REAL NOT NULL,
			sim_ms INTEGER NOT NULL,
			error TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_handoffs_train ON handoffs(train, sim_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_handoffs_packet ON handoffs(packet_id);`,
		`CREATE TABLE IF NOT EXISTS legs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			controller TEXT NOT NULL,
			train TEXT NOT NULL,
			leg INTEGER NOT NULL,
			reason TEXT NOT NULL,
			position INTEGER NOT NULL,
			authority REAL NOT NULL,
			sim_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_legs_train ON legs(train, sim_ms);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			sim_ms INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			line TEXT NOT NULL,
			controllers INTEGER NOT NULL,
			trains INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// DB exposes the handle for read-only queries.
func (s *SQLiteIndex) DB() *sql.DB { return s.db }

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:         len(s.ch),
		QueueCapacity:      cap(s.ch),
		DropCycleTotal:     s.dropCycle.Load(),
		DropRejectionTotal: s.dropRejection.Load(),
		DropHandoffTotal:   s.dropHandoff.Load(),
		DropLegTotal:       s.dropLeg.Load(),
		DropSnapshotTotal:  s.dropSnapshot.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) WriteCycle(entry wayside.CycleLogEntry) error {
	if s == nil {
		return nil
	}
	s.enqueue(req{kind: reqCycle, cycle: entry}, &s.dropCycle)
	return nil
}

func (s *SQLiteIndex) WriteRejection(entry wayside.RejectionEntry) error {
	if s == nil {
		return nil
	}
	s.enqueue(req{kind: reqRejection, rejection: entry}, &s.dropRejection)
	return nil
}

func (s *SQLiteIndex) WriteHandoff(entry wayside.HandoffEntry) error {
	if s == nil {
		return nil
	}
	s.enqueue(req{kind: reqHandoff, handoff: entry}, &s.dropHandoff)
	return nil
}

func (s *SQLiteIndex) WriteLeg(entry wayside.LegEntry) error {
	if s == nil {
		return nil
	}
	s.enqueue(req{kind: reqLeg, leg: entry}, &s.dropLeg)
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.LineSnapshotV1) {
	if s == nil {
		return
	}
	trains := 0
	for _, c := range snap.Controllers {
		trains += len(c.Trains)
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: snapshotRow{
		SimUnixMs:   snap.Header.SimUnixMs,
		Path:        path,
		Line:        snap.Header.Line,
		Controllers: len(snap.Controllers),
		Trains:      trains,
	}}, &s.dropSnapshot)
}

// UpsertConfigs stores the effective configuration documents, keyed by name,
// with a sha256 digest of their canonical JSON.
func (s *SQLiteIndex) UpsertConfigs(docs map[string]any) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO configs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for name, v := range docs {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("config %s: %w", name, err)
		}
		sum := sha256.Sum256(b)
		if _, err := stmt.Exec(name, hex.EncodeToString(sum[:]), string(b), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertCycle, _ := s.db.Prepare(`INSERT OR REPLACE INTO cycles(controller,cycle,sim_ms,occupied,closed,rejections,raw_json) VALUES(?,?,?,?,?,?,?)`)
	insertRejection, _ := s.db.Prepare(`INSERT OR REPLACE INTO rejections(controller,cycle,seq,sim_ms,source,kind,block,code,reason) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertHandoff, _ := s.db.Prepare(`INSERT INTO handoffs(packet_id,event,controller,train,position,prev_position,authority,cumulative,sim_ms,error,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertLeg, _ := s.db.Prepare(`INSERT INTO legs(controller,train,leg,reason,position,authority,sim_ms) VALUES(?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(sim_ms,path,line,controllers,trains) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertCycle, insertRejection, insertHandoff, insertLeg, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 1000
		commitMaxWait = time.Second
	)
	// Rejection rows are numbered per (controller, cycle).
	type rejKey struct {
		controller string
		cycle      uint64
	}
	rejSeq := map[string]rejKey{}
	rejNext := map[string]int{}

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqCycle:
			c := r.cycle
			raw, _ := json.Marshal(c)
			exec(insertCycle, c.Controller, int64(c.Cycle), c.SimUnixMs, len(c.Occupied), len(c.Closed), len(c.Rejections), string(raw))

		case reqRejection:
			e := r.rejection
			k := rejKey{controller: e.Controller, cycle: e.Cycle}
			if rejSeq[e.Controller] != k {
				rejSeq[e.Controller] = k
				rejNext[e.Controller] = 0
			}
			seq := rejNext[e.Controller]
			rejNext[e.Controller]++
			exec(insertRejection, e.Controller, int64(e.Cycle), seq, e.SimUnixMs, e.Source, string(e.Kind), e.Block, e.Code, e.Reason)

		case reqHandoff:
			h := r.handoff
			raw, _ := json.Marshal(h)
			p := h.Packet
			exec(insertHandoff, p.PacketID, h.Event, h.Controller, p.Train, p.Position, p.PrevPosition,
				p.AuthorityRemaining, p.CumulativeDistanceInLeg, h.SimUnixMs, h.Error, string(raw))

		case reqLeg:
			l := r.leg
			exec(insertLeg, l.Controller, l.Train, l.Leg, l.Reason, l.Position, l.Authority, l.SimUnixMs)

		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, sn.SimUnixMs, sn.Path, sn.Line, sn.Controllers, sn.Trains)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
