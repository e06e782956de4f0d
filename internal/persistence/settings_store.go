package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"kegleveld/internal/api"
	"kegleveld/internal/calibration"
)

const sqliteSchemaVersion = 1

const (
	defaultCheckpointInterval = time.Minute
	defaultDisplayedTaps      = 5
	defaultTareWeightKg       = 4.5
	defaultMaxVolumeLiters    = 18.93
)

const (
	settingDisplayedTaps   = "displayed_taps"
	settingDeductInventory = "calibration_deduct_inventory"
)

var defaultCheckpointFn = func(db *sql.DB) error {
	_, err := db.Exec(`PRAGMA wal_checkpoint(PASSIVE);`)
	return err
}

// Options configures a SettingsStore.
type Options struct {
	// Path of the SQLite database file.
	Path string
	// Taps is the number of flow sensors; per-tap lists always have this length.
	Taps           int
	DefaultKFactor float64
}

// SettingsStore keeps the keg library, tap assignments, calibration factors and
// pour statistics in SQLite. Reads come from an in-memory copy loaded at open.
// Dispensed volumes are updated in memory every tick and only written by
// SaveAllKegDispensedVolumes, so the monitor loop never waits on the disk for
// per-tick accounting.
//
// Writers are serialized on writeMu and run their transaction against a copy
// of the state; mu is held only to take that copy and to apply the change
// after commit. Lock order is writeMu, then mu.
type SettingsStore struct {
	writeMu            sync.Mutex
	mu                 sync.RWMutex
	db                 *sql.DB
	path               string
	taps               int
	defaultK           float64
	closed             bool
	checkpointFn       func(*sql.DB) error
	checkpointInterval time.Duration
	lastCheckpoint     time.Time
	state              settingsState
}

type settingsState struct {
	kegs            map[string]api.Keg
	dirty           map[string]struct{}
	assignments     []string
	factors         []float64
	lastPours       []float64
	lastAverages    []float64
	displayedTaps   int
	deductInventory bool
	revision        uint64
	checksum        string
}

// checksumPayload is the canonical form hashed into meta.checksum on every commit.
type checksumPayload struct {
	Revision        uint64    `json:"revision"`
	Kegs            []api.Keg `json:"kegs"`
	Assignments     []string  `json:"assignments"`
	Factors         []float64 `json:"factors"`
	LastPours       []float64 `json:"last_pours"`
	LastAverages    []float64 `json:"last_averages"`
	DisplayedTaps   int       `json:"displayed_taps"`
	DeductInventory bool      `json:"deduct_inventory"`
}

// Open opens or creates the database at opts.Path, migrates it, loads it into
// memory and seeds one empty keg per tap on first use.
func Open(ctx context.Context, opts Options) (*SettingsStore, error) {
	if opts.Taps <= 0 {
		return nil, fmt.Errorf("%w: tap count %d", ErrInvalidArgument, opts.Taps)
	}
	if !calibration.ValidKFactor(opts.DefaultKFactor) {
		opts.DefaultKFactor = calibration.DefaultKFactor
	}
	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	s := &SettingsStore{
		path:               opts.Path,
		taps:               opts.Taps,
		defaultK:           opts.DefaultKFactor,
		checkpointFn:       defaultCheckpointFn,
		checkpointInterval: defaultCheckpointInterval,
	}
	if err := s.openDB(ctx); err != nil {
		return nil, err
	}
	state, err := s.loadState(ctx)
	if err != nil {
		s.db.Close()
		return nil, err
	}
	s.state = state
	if len(s.state.kegs) == 0 {
		if err := s.seedDefaults(); err != nil {
			s.db.Close()
			return nil, fmt.Errorf("seed defaults: %w", err)
		}
	}
	return s, nil
}

func configureSQLite(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}
	// NORMAL is durable across application crashes in WAL mode; a power cut can
	// lose the last pour, which the next completed pour rewrites anyway.
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL;`); err != nil {
		return fmt.Errorf("set synchronous: %w", err)
	}
	return nil
}

func applyMigrations(ctx context.Context, db *sql.DB) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			revision INTEGER NOT NULL DEFAULT 0,
			checksum TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS kegs (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			tare_weight_kg REAL NOT NULL DEFAULT 0,
			starting_total_weight_kg REAL NOT NULL DEFAULT 0,
			maximum_full_volume_liters REAL NOT NULL DEFAULT 0,
			starting_volume_liters REAL NOT NULL DEFAULT 0,
			dispensed_liters REAL NOT NULL DEFAULT 0,
			total_pulses INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS taps (
			tap INTEGER PRIMARY KEY,
			keg_id TEXT NOT NULL DEFAULT '',
			k_factor REAL NOT NULL,
			last_pour_liters REAL NOT NULL DEFAULT 0,
			last_pour_average_lpm REAL NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS system_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT INTO meta (id, revision, checksum, updated_at)
			VALUES (1, 0, '', '')
			ON CONFLICT(id) DO NOTHING;`,
		`PRAGMA user_version=` + fmt.Sprint(sqliteSchemaVersion) + `;`,
	}
	for _, stmt := range stmts {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err = ensureKegColumns(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ensureKegColumns adds columns introduced after the first schema so older
// databases pick them up without a version bump.
func ensureKegColumns(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `PRAGMA table_info(kegs);`)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return err
		}
		cols[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	addColumn := func(name, definition string) error {
		if cols[strings.ToLower(name)] {
			return nil
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE kegs ADD COLUMN %s %s", name, definition))
		return err
	}
	if err := addColumn("beverage_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := addColumn("fill_date", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

func (s *SettingsStore) openDB(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	// One connection keeps pragmas and the WAL writer on the same handle.
	db.SetMaxOpenConns(1)
	if err := configureSQLite(db); err != nil {
		db.Close()
		return err
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("migrate settings store: %w", err)
	}
	s.db = db
	return nil
}

func (s *SettingsStore) newState() settingsState {
	st := settingsState{
		kegs:            make(map[string]api.Keg),
		dirty:           make(map[string]struct{}),
		assignments:     make([]string, s.taps),
		factors:         make([]float64, s.taps),
		lastPours:       make([]float64, s.taps),
		lastAverages:    make([]float64, s.taps),
		displayedTaps:   defaultDisplayedTaps,
		deductInventory: true,
	}
	for i := range st.factors {
		st.factors[i] = s.defaultK
	}
	return st
}

func (s *SettingsStore) loadState(ctx context.Context) (settingsState, error) {
	state := s.newState()

	var (
		revision int64
		checksum string
		updated  string
	)
	err := s.db.QueryRowContext(ctx, `SELECT revision, checksum, updated_at FROM meta WHERE id=1`).Scan(&revision, &checksum, &updated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return state, err
	}
	state.revision = uint64(revision)
	state.checksum = checksum

	rows, err := s.db.QueryContext(ctx, `SELECT id, title, tare_weight_kg, starting_total_weight_kg,
		maximum_full_volume_liters, starting_volume_liters, dispensed_liters, total_pulses,
		beverage_id, fill_date FROM kegs`)
	if err != nil {
		return state, err
	}
	for rows.Next() {
		var (
			k      api.Keg
			pulses int64
		)
		if err := rows.Scan(&k.ID, &k.Title, &k.TareWeightKg, &k.StartingTotalWeightKg,
			&k.MaximumFullVolumeLiters, &k.StartingVolumeLiters, &k.DispensedLiters, &pulses,
			&k.BeverageID, &k.FillDate); err != nil {
			rows.Close()
			return state, err
		}
		k.TotalDispensedPulses = uint64(pulses)
		state.kegs[k.ID] = k
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return state, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT tap, keg_id, k_factor, last_pour_liters, last_pour_average_lpm FROM taps`)
	if err != nil {
		return state, err
	}
	for rows.Next() {
		var (
			tap     int
			kegID   string
			factor  float64
			pour    float64
			average float64
		)
		if err := rows.Scan(&tap, &kegID, &factor, &pour, &average); err != nil {
			rows.Close()
			return state, err
		}
		if tap < 0 || tap >= s.taps {
			continue
		}
		if _, ok := state.kegs[kegID]; ok {
			state.assignments[tap] = kegID
		}
		state.factors[tap] = factor
		state.lastPours[tap] = pour
		state.lastAverages[tap] = average
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return state, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT key, value FROM system_settings`)
	if err != nil {
		return state, err
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return state, err
		}
		switch key {
		case settingDisplayedTaps:
			if n, err := strconv.Atoi(value); err == nil {
				state.displayedTaps = n
			}
		case settingDeductInventory:
			if b, err := strconv.ParseBool(value); err == nil {
				state.deductInventory = b
			}
		}
	}
	return state, rows.Err()
}

func (s *SettingsStore) seedDefaults() error {
	kegs := make([]api.Keg, 0, s.taps)
	for i := 0; i < s.taps; i++ {
		kegs = append(kegs, api.Keg{
			ID:                      uuid.NewString(),
			Title:                   fmt.Sprintf("Keg %02d", i+1),
			TareWeightKg:            defaultTareWeightKg,
			StartingTotalWeightKg:   defaultTareWeightKg,
			MaximumFullVolumeLiters: defaultMaxVolumeLiters,
		})
	}
	err := s.withWrite(func(st *settingsState) {
		for _, k := range kegs {
			st.kegs[k.ID] = k
		}
	}, func(tx *sql.Tx, next settingsState) error {
		for _, k := range kegs {
			if err := upsertKegTx(tx, k); err != nil {
				return err
			}
		}
		return s.writeTaps(tx, next)
	})
	if err != nil {
		return err
	}
	log.Printf("INFO: settings store seeded %d empty kegs", len(kegs))
	return nil
}

// withWrite applies change to a copy of the state, hands the copy to write
// inside one transaction and advances the meta revision and checksum. The
// live state only sees change after the commit succeeds. change must not fail
// and may run twice. Callers hold writeMu, never mu.
func (s *SettingsStore) withWrite(change func(st *settingsState), write func(tx *sql.Tx, next settingsState) error) error {
	s.mu.RLock()
	if s.closed || s.db == nil {
		s.mu.RUnlock()
		return ErrClosed
	}
	db := s.db
	next := s.state.clone()
	s.mu.RUnlock()

	change(&next)
	payload := next.checksumPayload()
	payload.Revision = next.revision + 1
	plain, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	checksum := fmt.Sprintf("%x", sha256.Sum256(plain))

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := write(tx, next); err != nil {
		_ = tx.Rollback()
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(`UPDATE meta SET revision=?, checksum=?, updated_at=? WHERE id=1`,
		payload.Revision, checksum, now); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	change(&s.state)
	s.state.revision = payload.Revision
	s.state.checksum = checksum
	s.mu.Unlock()
	s.maybeCheckpoint(db)
	return nil
}

// readState runs fn against the live state under the read lock.
func (s *SettingsStore) readState(fn func(st *settingsState) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return fn(&s.state)
}

func (s *SettingsStore) writeTaps(tx *sql.Tx, next settingsState) error {
	for tap := 0; tap < s.taps; tap++ {
		if err := upsertTapTx(tx, tap, next); err != nil {
			return err
		}
	}
	return nil
}

func (st settingsState) clone() settingsState {
	out := st
	out.kegs = make(map[string]api.Keg, len(st.kegs))
	for id, k := range st.kegs {
		out.kegs[id] = k
	}
	out.dirty = make(map[string]struct{}, len(st.dirty))
	for id := range st.dirty {
		out.dirty[id] = struct{}{}
	}
	out.assignments = append([]string(nil), st.assignments...)
	out.factors = append([]float64(nil), st.factors...)
	out.lastPours = append([]float64(nil), st.lastPours...)
	out.lastAverages = append([]float64(nil), st.lastAverages...)
	return out
}

func (st settingsState) checksumPayload() checksumPayload {
	kegs := make([]api.Keg, 0, len(st.kegs))
	for _, k := range st.kegs {
		kegs = append(kegs, k)
	}
	sort.Slice(kegs, func(i, j int) bool { return kegs[i].ID < kegs[j].ID })
	return checksumPayload{
		Kegs:            kegs,
		Assignments:     st.assignments,
		Factors:         st.factors,
		LastPours:       st.lastPours,
		LastAverages:    st.lastAverages,
		DisplayedTaps:   st.displayedTaps,
		DeductInventory: st.deductInventory,
	}
}

// maybeCheckpoint runs a passive WAL checkpoint at most once per interval.
// lastCheckpoint is guarded by writeMu.
func (s *SettingsStore) maybeCheckpoint(db *sql.DB) {
	if db == nil || s.checkpointFn == nil {
		return
	}
	if s.checkpointInterval > 0 && !s.lastCheckpoint.IsZero() {
		if time.Since(s.lastCheckpoint) < s.checkpointInterval {
			return
		}
	}
	if err := s.checkpointFn(db); err != nil {
		log.Printf("WARN: settings-store checkpoint failed: %v", err)
		return
	}
	s.lastCheckpoint = time.Now().UTC()
}

func upsertKegTx(tx *sql.Tx, k api.Keg) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := tx.Exec(`INSERT INTO kegs (id, title, tare_weight_kg, starting_total_weight_kg,
			maximum_full_volume_liters, starting_volume_liters, dispensed_liters, total_pulses,
			beverage_id, fill_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title=excluded.title, tare_weight_kg=excluded.tare_weight_kg,
			starting_total_weight_kg=excluded.starting_total_weight_kg,
			maximum_full_volume_liters=excluded.maximum_full_volume_liters,
			starting_volume_liters=excluded.starting_volume_liters,
			dispensed_liters=excluded.dispensed_liters, total_pulses=excluded.total_pulses,
			beverage_id=excluded.beverage_id, fill_date=excluded.fill_date, updated_at=excluded.updated_at`,
		k.ID, k.Title, k.TareWeightKg, k.StartingTotalWeightKg, k.MaximumFullVolumeLiters,
		k.StartingVolumeLiters, k.DispensedLiters, int64(k.TotalDispensedPulses),
		k.BeverageID, k.FillDate, now)
	return err
}

func upsertTapTx(tx *sql.Tx, tap int, st settingsState) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := tx.Exec(`INSERT INTO taps (tap, keg_id, k_factor, last_pour_liters, last_pour_average_lpm, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tap) DO UPDATE SET keg_id=excluded.keg_id, k_factor=excluded.k_factor,
			last_pour_liters=excluded.last_pour_liters, last_pour_average_lpm=excluded.last_pour_average_lpm,
			updated_at=excluded.updated_at`,
		tap, st.assignments[tap], st.factors[tap], st.lastPours[tap], st.lastAverages[tap], now)
	return err
}

func upsertSettingTx(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`INSERT INTO system_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// Close releases the database. Unsaved dispensed volumes are flushed first.
func (s *SettingsStore) Close(ctx context.Context) error {
	if err := s.SaveAllKegDispensedVolumes(ctx); err != nil && !errors.Is(err, ErrClosed) {
		log.Printf("WARN: settings-store flush on close failed: %v", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Revision returns the committed revision and its checksum.
func (s *SettingsStore) Revision(ctx context.Context) (uint64, string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, "", ErrClosed
	}
	return s.state.revision, s.state.checksum, nil
}

// QuickCheck runs SQLite's integrity quick check.
func (s *SettingsStore) QuickCheck(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.RLock()
	db, closed := s.db, s.closed
	s.mu.RUnlock()
	if closed || db == nil {
		return ErrClosed
	}
	rows, err := db.QueryContext(ctx, "PRAGMA quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()
	var issues []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return err
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" && !strings.EqualFold(trimmed, "ok") {
			issues = append(issues, trimmed)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(issues) > 0 {
		return fmt.Errorf("%w: %s", ErrCorrupt, strings.Join(issues, "; "))
	}
	return nil
}
