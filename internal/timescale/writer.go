package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"tier-exit-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// RegimeRecord is one cycle's regime evaluation.
type RegimeRecord struct {
	Time          time.Time
	AllowLong     bool
	Reason        string
	Confirmations int
	HighVIX       bool
	SPYStressed   bool
	VIXPercentile float64
	SPYDistance   float64
	Confidence    float64
	SizeFraction  float64
}

// ActionRecord is one emitted exit action.
type ActionRecord struct {
	Time      time.Time
	ActionID  string
	Ticker    string
	Type      string
	TierState string
	Quantity  float64
	Price     float64
	Realized  float64
	Reason    string
}

// Writer ships regime decisions and exit actions to TimescaleDB through a
// bounded queue; persistence failures never stall the trading loop.
type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	regimes     chan RegimeRecord
	actions     chan ActionRecord
	started     atomic.Bool
	dropRegime  atomic.Uint64
	dropActions atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		regimes: make(chan RegimeRecord, queueSize),
		actions: make(chan ActionRecord, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueRegime(record RegimeRecord) {
	if w == nil {
		return
	}
	select {
	case w.regimes <- record:
		return
	default:
		if w.dropRegime.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale regime queue full")
		}
	}
}

func (w *Writer) EnqueueAction(record ActionRecord) {
	if w == nil {
		return
	}
	select {
	case w.actions <- record:
		return
	default:
		if w.dropActions.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale action queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case record := <-w.regimes:
			w.writeRegime(ctx, record)
		case record := <-w.actions:
			w.writeAction(ctx, record)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		allow_long BOOLEAN NOT NULL,
		reason TEXT NOT NULL,
		confirmations INTEGER NOT NULL,
		high_vix BOOLEAN NOT NULL,
		spy_stressed BOOLEAN NOT NULL,
		vix_percentile DOUBLE PRECISION NOT NULL,
		spy_distance DOUBLE PRECISION NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		size_fraction DOUBLE PRECISION NOT NULL
	)`, w.table("regime_decisions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		action_id TEXT NOT NULL,
		ticker TEXT NOT NULL,
		action TEXT NOT NULL,
		tier_state TEXT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		realized DOUBLE PRECISION NOT NULL,
		reason TEXT NOT NULL
	)`, w.table("exit_actions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, table := range []string{"regime_decisions", "exit_actions"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil && w.log != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeRegime(ctx context.Context, record RegimeRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, allow_long, reason, confirmations, high_vix, spy_stressed,
		vix_percentile, spy_distance, confidence, size_fraction
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, w.table("regime_decisions"))
	if _, err := w.db.ExecContext(ctx, query,
		record.Time,
		record.AllowLong,
		record.Reason,
		record.Confirmations,
		record.HighVIX,
		record.SPYStressed,
		record.VIXPercentile,
		record.SPYDistance,
		record.Confidence,
		record.SizeFraction,
	); err != nil && w.log != nil {
		w.log.Warn("timescale regime write failed", zap.Error(err))
	}
}

func (w *Writer) writeAction(ctx context.Context, record ActionRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, action_id, ticker, action, tier_state, quantity, price, realized, reason
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, w.table("exit_actions"))
	if _, err := w.db.ExecContext(ctx, query,
		record.Time,
		record.ActionID,
		record.Ticker,
		record.Type,
		record.TierState,
		record.Quantity,
		record.Price,
		record.Realized,
		record.Reason,
	); err != nil && w.log != nil {
		w.log.Warn("timescale action write failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
