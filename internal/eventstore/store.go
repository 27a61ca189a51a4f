package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// Event represents a recorded timeline entry for a run.
type Event struct {
	ID        int64
	RunKey    string
	TraceID   string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Run is a persisted narration.
type Run struct {
	ID         string             `json:"id"`
	Sequence   uint64             `json:"sequence"`
	Status     string             `json:"status"`
	Error      string             `json:"error,omitempty"`
	Input      string             `json:"input"`
	Config     pipeline.RunConfig `json:"config"`
	Result     pipeline.Result    `json:"result"`
	SampleRate int                `json:"sample_rate"`
	Channels   int                `json:"channels"`
	BitDepth   int                `json:"bit_depth"`
	AudioBytes int                `json:"audio_bytes"`
	Audio      []byte             `json:"-"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// Store wraps a SQLite-backed run store.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

var _ pipeline.Recorder = (*Store)(nil)

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    sequence INTEGER NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    input TEXT NOT NULL,
    config BLOB,
    result BLOB,
    summary TEXT,
    translation TEXT,
    tts_characters INTEGER NOT NULL DEFAULT 0,
    sample_rate INTEGER NOT NULL,
    channels INTEGER NOT NULL,
    bit_depth INTEGER NOT NULL,
    audio_bytes INTEGER NOT NULL DEFAULT 0,
    audio BLOB,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);
CREATE TABLE IF NOT EXISTS run_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_key TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_events_key_created ON run_events(run_key, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// RecordRun persists a finished run. Audio is kept only when the store is
// configured to keep it.
func (s *Store) RecordRun(ctx context.Context, t pipeline.Transcript) error {
	if s.disabled() {
		return nil
	}
	if t.ID == "" {
		return errors.New("transcript id must not be empty")
	}
	cfgJSON, err := sonic.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("encode run config: %w", err)
	}
	resultJSON, err := sonic.Marshal(t.Result)
	if err != nil {
		return fmt.Errorf("encode run result: %w", err)
	}
	var audio []byte
	if s.cfg.StoreAudio {
		audio = t.Audio
	}
	finished := t.FinishedAt
	if finished.IsZero() {
		finished = s.clock()
	}
	started := t.StartedAt
	if started.IsZero() {
		started = finished
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs(id, sequence, status, error, input, config, result, summary, translation,
		                  tts_characters, sample_rate, channels, bit_depth, audio_bytes, audio, started_at, finished_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, int64(t.RunID), t.Status, t.Error, t.Input, cfgJSON, resultJSON, t.Result.Summary, t.Result.Translation,
		t.Result.TTSCharacters, t.SampleRate, t.Channels, t.BitDepth, len(t.Audio), audio,
		started.UTC(), finished.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const runColumns = `id, sequence, status, error, input, config, result, sample_rate, channels, bit_depth, audio_bytes, started_at, finished_at`

// timestamp accepts both parsed and textual sqlite timestamps.
type timestamp time.Time

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

func (t *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*t = timestamp(v)
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		*t = timestamp(time.Time{})
		return nil
	}
	return fmt.Errorf("unsupported timestamp type %T", src)
}

func (t *timestamp) parse(v string) error {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			*t = timestamp(ts)
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", v)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner, extra ...any) (Run, error) {
	var (
		r          Run
		seq        int64
		errText    sql.NullString
		cfgJSON    []byte
		resultJSON []byte
	)
	dest := []any{&r.ID, &seq, &r.Status, &errText, &r.Input, &cfgJSON, &resultJSON,
		&r.SampleRate, &r.Channels, &r.BitDepth, &r.AudioBytes, (*timestamp)(&r.StartedAt), (*timestamp)(&r.FinishedAt)}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Run{}, err
	}
	r.Sequence = uint64(seq)
	r.Error = errText.String
	if len(cfgJSON) > 0 {
		if err := sonic.Unmarshal(cfgJSON, &r.Config); err != nil {
			return Run{}, fmt.Errorf("decode run config: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := sonic.Unmarshal(resultJSON, &r.Result); err != nil {
			return Run{}, fmt.Errorf("decode run result: %w", err)
		}
	}
	return r, nil
}

// GetRun loads a run including its audio.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	if s.disabled() {
		return Run{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+`, audio FROM runs WHERE id = ?`, id)
	var audio []byte
	r, err := scanRun(row, &audio)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	r.Audio = audio
	return r, nil
}

// ListRuns returns up to limit runs, newest first, without audio.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events(run_key, trace_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.RunKey, evt.TraceID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// ListRunEvents retrieves up to limit events for a run ordered ascending by time.
func (s *Store) ListRunEvents(ctx context.Context, runKey string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_key, trace_id, event_type, payload, created_at
		 FROM run_events WHERE run_key = ? ORDER BY created_at ASC, id ASC LIMIT ?`, runKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var trace sql.NullString
		if err := rows.Scan(&e.ID, &e.RunKey, &trace, &e.Type, &e.Payload, (*timestamp)(&e.CreatedAt)); err != nil {
			return nil, err
		}
		e.TraceID = trace.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM run_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE finished_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE id IN (
			SELECT id FROM runs ORDER BY finished_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure checks that an ephemeral store holds no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
