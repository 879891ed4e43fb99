package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	lineID := fs.String("line", "", "line id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	ctrl := fs.String("controller", "", "controller filter (cycles, rejections, legs)")
	train := fs.String("train", "", "train filter (handoffs, legs)")
	block := fs.Int("block", -1, "block filter (rejections)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*lineID) == "" {
			fmt.Fprintln(os.Stderr, "missing -line or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "lines", *lineID, "index", "line.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	var rows *sql.Rows
	switch q {
	case "snapshots":
		rows, err = db.Query(`SELECT sim_ms,path,line,controllers,trains FROM snapshots ORDER BY sim_ms DESC LIMIT ?`, *limit)
		if err == nil {
			err = each(rows, func() error {
				var r struct {
					SimMs       int64  `json:"sim_ms"`
					Path        string `json:"path"`
					Line        string `json:"line"`
					Controllers int    `json:"controllers"`
					Trains      int    `json:"trains"`
				}
				if err := rows.Scan(&r.SimMs, &r.Path, &r.Line, &r.Controllers, &r.Trains); err != nil {
					return err
				}
				printJSON(r)
				return nil
			})
		}

	case "cycles":
		where, args := filters(map[string]any{"controller": *ctrl})
		rows, err = db.Query(`SELECT controller,cycle,sim_ms,occupied,closed,rejections FROM cycles`+where+` ORDER BY sim_ms DESC LIMIT ?`, append(args, *limit)...)
		if err == nil {
			err = each(rows, func() error {
				var r struct {
					Controller string `json:"controller"`
					Cycle      int64  `json:"cycle"`
					SimMs      int64  `json:"sim_ms"`
					Occupied   int    `json:"occupied"`
					Closed     int    `json:"closed"`
					Rejections int    `json:"rejections"`
				}
				if err := rows.Scan(&r.Controller, &r.Cycle, &r.SimMs, &r.Occupied, &r.Closed, &r.Rejections); err != nil {
					return err
				}
				printJSON(r)
				return nil
			})
		}

	case "rejections":
		f := map[string]any{"controller": *ctrl}
		if *block >= 0 {
			f["block"] = *block
		}
		where, args := filters(f)
		rows, err = db.Query(`SELECT controller,cycle,sim_ms,source,kind,block,code,reason FROM rejections`+where+` ORDER BY sim_ms DESC, seq DESC LIMIT ?`, append(args, *limit)...)
		if err == nil {
			err = each(rows, func() error {
				var r struct {
					Controller string         `json:"controller"`
					Cycle      int64          `json:"cycle"`
					SimMs      int64          `json:"sim_ms"`
					Source     string         `json:"source"`
					Kind       string         `json:"kind"`
					Block      int            `json:"block"`
					Code       string         `json:"code"`
					Reason     sql.NullString `json:"-"`
					ReasonText string         `json:"reason,omitempty"`
				}
				if err := rows.Scan(&r.Controller, &r.Cycle, &r.SimMs, &r.Source, &r.Kind, &r.Block, &r.Code, &r.Reason); err != nil {
					return err
				}
				r.ReasonText = r.Reason.String
				printJSON(r)
				return nil
			})
		}

	case "handoffs":
		where, args := filters(map[string]any{"train": *train})
		rows, err = db.Query(`SELECT packet_id,event,controller,train,position,prev_position,authority,cumulative,sim_ms,error FROM handoffs`+where+` ORDER BY seq DESC LIMIT ?`, append(args, *limit)...)
		if err == nil {
			err = each(rows, func() error {
				var r struct {
					PacketID     string         `json:"packet_id"`
					Event        string         `json:"event"`
					Controller   string         `json:"controller"`
					Train        string         `json:"train"`
					Position     int            `json:"position"`
					PrevPosition int            `json:"prev_position"`
					Authority    float64        `json:"authority_m"`
					Cumulative   float64        `json:"cumulative_m"`
					SimMs        int64          `json:"sim_ms"`
					Err          sql.NullString `json:"-"`
					Error        string         `json:"error,omitempty"`
				}
				if err := rows.Scan(&r.PacketID, &r.Event, &r.Controller, &r.Train, &r.Position, &r.PrevPosition, &r.Authority, &r.Cumulative, &r.SimMs, &r.Err); err != nil {
					return err
				}
				r.Error = r.Err.String
				printJSON(r)
				return nil
			})
		}

	case "legs":
		where, args := filters(map[string]any{"controller": *ctrl, "train": *train})
		rows, err = db.Query(`SELECT controller,train,leg,reason,position,authority,sim_ms FROM legs`+where+` ORDER BY seq DESC LIMIT ?`, append(args, *limit)...)
		if err == nil {
			err = each(rows, func() error {
				var r struct {
					Controller string  `json:"controller"`
					Train      string  `json:"train"`
					Leg        int     `json:"leg"`
					Reason     string  `json:"reason"`
					Position   int     `json:"position"`
					Authority  float64 `json:"authority_m"`
					SimMs      int64   `json:"sim_ms"`
				}
				if err := rows.Scan(&r.Controller, &r.Train, &r.Leg, &r.Reason, &r.Position, &r.Authority, &r.SimMs); err != nil {
					return err
				}
				printJSON(r)
				return nil
			})
		}

	case "configs":
		rows, err = db.Query(`SELECT name,digest,updated_at,json FROM configs ORDER BY name`)
		if err == nil {
			err = each(rows, func() error {
				var r struct {
					Name      string          `json:"name"`
					Digest    string          `json:"digest"`
					UpdatedAt string          `json:"updated_at"`
					Raw       string          `json:"-"`
					JSON      json.RawMessage `json:"json"`
				}
				if err := rows.Scan(&r.Name, &r.Digest, &r.UpdatedAt, &r.Raw); err != nil {
					return err
				}
				r.JSON = json.RawMessage(r.Raw)
				printJSON(r)
				return nil
			})
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data] [-line LINE|-db PATH] [-controller C] [-train T] [-block B] snapshots|cycles|rejections|handoffs|legs|configs")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
}

// filters builds a WHERE clause from the non-empty entries of f, in a stable
// column order.
func filters(f map[string]any) (string, []any) {
	var conds []string
	var args []any
	for _, col := range []string{"controller", "train", "block"} {
		v, ok := f[col]
		if !ok {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		conds = append(conds, col+"=?")
		args = append(args, v)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func each(rows *sql.Rows, fn func() error) error {
	defer rows.Close()
	for rows.Next() {
		if err := fn(); err != nil {
			return err
		}
	}
	return rows.Err()
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
