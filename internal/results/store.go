// Package results keeps a local SQLite history of finished runs.
package results

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/loopplug/u3loop/internal/stats"
)

// Run is the stored summary of one benchmark or loopback run.
type Run struct {
	ID        uuid.UUID
	Tool      string
	Device    string
	Serial    string
	Mode      string
	BlockSize int

	Duration  time.Duration
	Ops       uint64
	TxBytes   uint64
	RxBytes   uint64
	AvgMbps   float64
	OpsPerSec float64

	HostErrors      uint64
	PhyErrors       uint64
	PhyMask         uint32
	LinkErrors      uint64
	LinkMask        uint32
	LatencyP99Micro int64

	CreatedAt time.Time
}

// FromReport fills the measured fields of a Run.
func FromReport(rep stats.Report) Run {
	return Run{
		Duration:        rep.Duration,
		Ops:             rep.Ops,
		TxBytes:         rep.Bytes.Tx,
		RxBytes:         rep.Bytes.Rx,
		AvgMbps:         rep.AvgMbps,
		OpsPerSec:       rep.OpsPerSec,
		HostErrors:      rep.HostErrors.Total(),
		PhyErrors:       rep.DeviceErrors.PhyCount,
		PhyMask:         rep.DeviceErrors.PhyMask,
		LinkErrors:      rep.DeviceErrors.LinkCount,
		LinkMask:        rep.DeviceErrors.LinkMask,
		LatencyP99Micro: rep.Latency.P99.Microseconds(),
	}
}

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	// modernc.org/sqlite takes PRAGMAs as statements
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("results store opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("results store: close failed", "error", err)
		return err
	}
	return nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		tool TEXT NOT NULL,
		device TEXT NOT NULL,
		serial TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT '',
		block_size INTEGER NOT NULL DEFAULT 0,
		duration_us INTEGER NOT NULL,
		ops INTEGER NOT NULL,
		tx_bytes INTEGER NOT NULL,
		rx_bytes INTEGER NOT NULL,
		avg_mbps REAL NOT NULL,
		ops_per_sec REAL NOT NULL,
		host_errors INTEGER NOT NULL DEFAULT 0,
		phy_errors INTEGER NOT NULL DEFAULT 0,
		phy_mask INTEGER NOT NULL DEFAULT 0,
		link_errors INTEGER NOT NULL DEFAULT 0,
		link_mask INTEGER NOT NULL DEFAULT 0,
		latency_p99_us INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`)
	return err
}

// Save stores r. A zero ID is replaced by a fresh one, a zero CreatedAt by
// the current time. The stored ID is returned.
func (s *Store) Save(ctx context.Context, r Run) (uuid.UUID, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, tool, device, serial, mode, block_size,
			duration_us, ops, tx_bytes, rx_bytes, avg_mbps, ops_per_sec,
			host_errors, phy_errors, phy_mask, link_errors, link_mask,
			latency_p99_us, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Tool, r.Device, r.Serial, r.Mode, r.BlockSize,
		r.Duration.Microseconds(), int64(r.Ops), int64(r.TxBytes), int64(r.RxBytes),
		r.AvgMbps, r.OpsPerSec,
		int64(r.HostErrors), int64(r.PhyErrors), int64(r.PhyMask), int64(r.LinkErrors), int64(r.LinkMask),
		r.LatencyP99Micro, r.CreatedAt.UTC(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert run: %w", err)
	}
	return r.ID, nil
}

// Recent returns up to limit runs, newest first. A tool other than "" only
// returns runs of that tool.
func (s *Store) Recent(ctx context.Context, tool string, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tool, device, serial, mode, block_size,
			duration_us, ops, tx_bytes, rx_bytes, avg_mbps, ops_per_sec,
			host_errors, phy_errors, phy_mask, link_errors, link_mask,
			latency_p99_us, created_at
		FROM runs
		WHERE ? = '' OR tool = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, tool, tool, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                              Run
			id                             string
			durUS                          int64
			ops, tx, rx                    int64
			host, phy, phyMask, link, lmsk int64
		)
		if err := rows.Scan(&id, &r.Tool, &r.Device, &r.Serial, &r.Mode, &r.BlockSize,
			&durUS, &ops, &tx, &rx, &r.AvgMbps, &r.OpsPerSec,
			&host, &phy, &phyMask, &link, &lmsk,
			&r.LatencyP99Micro, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("run id %q: %w", id, err)
		}
		r.Duration = time.Duration(durUS) * time.Microsecond
		r.Ops, r.TxBytes, r.RxBytes = uint64(ops), uint64(tx), uint64(rx)
		r.HostErrors, r.PhyErrors, r.LinkErrors = uint64(host), uint64(phy), uint64(link)
		r.PhyMask, r.LinkMask = uint32(phyMask), uint32(lmsk)
		out = append(out, r)
	}
	return out, rows.Err()
}
