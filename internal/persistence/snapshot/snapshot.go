package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"wayside.ai/internal/sim/wayside"
)

const Version = 1

type Header struct {
	Version     int    `json:"version"`
	Line        string `json:"line"`
	SimUnixMs   int64  `json:"sim_unix_ms"`
	Controllers int    `json:"controllers"`
}

// LineSnapshotV1 is the persisted state of every controller on a line.
type LineSnapshotV1 struct {
	Header Header `json:"header"`

	TickMultiplier float64            `json:"tick_multiplier"`
	Controllers    []wayside.Snapshot `json:"controllers"`
	// Owners is the ownership registry at capture time (train -> controller).
	Owners map[string]string `json:"owners,omitempty"`
}

// Controller returns the snapshot for id, if present.
func (s LineSnapshotV1) Controller(id string) (wayside.Snapshot, bool) {
	for _, c := range s.Controllers {
		if c.Controller == id {
			return c, true
		}
	}
	return wayside.Snapshot{}, false
}

// Normalize sorts controllers by id and fills the header counts.
func (s *LineSnapshotV1) Normalize() {
	sort.Slice(s.Controllers, func(i, j int) bool { return s.Controllers[i].Controller < s.Controllers[j].Controller })
	s.Header.Version = Version
	s.Header.Controllers = len(s.Controllers)
}

// WriteSnapshot writes a JSON header line followed by the gob-encoded body,
// zstd compressed. The file is written to a temp name and renamed into place.
func WriteSnapshot(path string, snap LineSnapshotV1) error {
	snap.Normalize()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeFile(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, snap LineSnapshotV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// ReadHeader decodes only the header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}

func ReadSnapshot(path string) (LineSnapshotV1, error) {
	var snap LineSnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// Latest returns the newest *.snap.zst file in dir, or "" when there is none.
func Latest(dir string) (string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var names []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".snap.zst") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}

// FileName is the conventional name for a snapshot taken at simMs; names sort
// in capture order.
func FileName(simMs int64) string {
	return fmt.Sprintf("%016d.snap.zst", simMs)
}
