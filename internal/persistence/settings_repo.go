package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"kegleveld/internal/api"
	"kegleveld/internal/calibration"
)

// SensorKegAssignments returns the keg id assigned to each tap ("" when none).
func (s *SettingsStore) SensorKegAssignments(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return append([]string(nil), s.state.assignments...), nil
}

// KegByID returns a copy of a keg, or api.ErrKegNotFound.
func (s *SettingsStore) KegByID(ctx context.Context, id string) (api.Keg, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return api.Keg{}, ErrClosed
	}
	k, ok := s.state.kegs[id]
	if !ok {
		return api.Keg{}, fmt.Errorf("keg %q: %w", id, api.ErrKegNotFound)
	}
	return k, nil
}

// FlowCalibrationFactors returns one K-factor per tap.
func (s *SettingsStore) FlowCalibrationFactors(ctx context.Context) ([]float64, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return append([]float64(nil), s.state.factors...), nil
}

// SaveFlowCalibrationFactors replaces every tap's K-factor.
func (s *SettingsStore) SaveFlowCalibrationFactors(ctx context.Context, factors []float64) error {
	_ = ctx
	if len(factors) != s.taps {
		return fmt.Errorf("%w: %d factors for %d taps", ErrInvalidArgument, len(factors), s.taps)
	}
	for i, k := range factors {
		if !calibration.ValidKFactor(k) {
			return fmt.Errorf("%w: tap %d: %w", ErrInvalidArgument, i, calibration.ErrInvalidKFactor)
		}
	}
	factors = append([]float64(nil), factors...)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.withWrite(func(st *settingsState) {
		copy(st.factors, factors)
	}, s.writeTaps)
}

// UpdateKegDispensedVolume records a keg's cumulative dispensed volume and adds
// pulsesDelta to its lifetime pulse total. The change stays in memory until
// SaveAllKegDispensedVolumes.
func (s *SettingsStore) UpdateKegDispensedVolume(ctx context.Context, kegID string, liters float64, pulsesDelta uint64) error {
	_ = ctx
	if math.IsNaN(liters) || math.IsInf(liters, 0) {
		return fmt.Errorf("%w: dispensed volume %v", ErrInvalidArgument, liters)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	k, ok := s.state.kegs[kegID]
	if !ok {
		return fmt.Errorf("keg %q: %w", kegID, api.ErrKegNotFound)
	}
	k.DispensedLiters = liters
	k.TotalDispensedPulses += pulsesDelta
	s.state.kegs[kegID] = k
	s.state.dirty[kegID] = struct{}{}
	return nil
}

// SaveAllKegDispensedVolumes writes every keg changed since the last save. Kegs
// stay dirty when the write fails so the next call retries them.
func (s *SettingsStore) SaveAllKegDispensedVolumes(ctx context.Context) error {
	_ = ctx
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var pending map[string]api.Keg
	if err := s.readState(func(st *settingsState) error {
		pending = make(map[string]api.Keg, len(st.dirty))
		for id := range st.dirty {
			if k, ok := st.kegs[id]; ok {
				pending[id] = k
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	// A keg updated again while the transaction ran stays dirty.
	err := s.withWrite(func(st *settingsState) {
		for _, id := range ids {
			saved := pending[id]
			k, ok := st.kegs[id]
			if !ok || (k.DispensedLiters == saved.DispensedLiters && k.TotalDispensedPulses == saved.TotalDispensedPulses) {
				delete(st.dirty, id)
			}
		}
	}, func(tx *sql.Tx, _ settingsState) error {
		for _, id := range ids {
			k := pending[id]
			if _, err := tx.Exec(`UPDATE kegs SET dispensed_liters=?, total_pulses=? WHERE id=?`,
				k.DispensedLiters, int64(k.TotalDispensedPulses), id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save dispensed volumes: %w", err)
	}
	return nil
}

// DisplayedTaps returns how many taps the presentation shows, clamped to [1, taps].
func (s *SettingsStore) DisplayedTaps(ctx context.Context) (int, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return clampTaps(s.state.displayedTaps, s.taps), nil
}

// SaveDisplayedTaps persists the number of visible taps.
func (s *SettingsStore) SaveDisplayedTaps(ctx context.Context, n int) error {
	_ = ctx
	if n < 1 || n > s.taps {
		return fmt.Errorf("%w: displayed taps %d outside 1..%d", ErrInvalidArgument, n, s.taps)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.withWrite(func(st *settingsState) {
		st.displayedTaps = n
	}, func(tx *sql.Tx, _ settingsState) error {
		return upsertSettingTx(tx, settingDisplayedTaps, strconv.Itoa(n))
	})
}

// CalibrationDeductInventory reports whether committing an auto-calibration
// also deducts the reference pour from the keg.
func (s *SettingsStore) CalibrationDeductInventory(ctx context.Context) (bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.state.deductInventory, nil
}

func (s *SettingsStore) SaveCalibrationDeductInventory(ctx context.Context, enabled bool) error {
	_ = ctx
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.withWrite(func(st *settingsState) {
		st.deductInventory = enabled
	}, func(tx *sql.Tx, _ settingsState) error {
		return upsertSettingTx(tx, settingDeductInventory, strconv.FormatBool(enabled))
	})
}

func (s *SettingsStore) LastPourVolumes(ctx context.Context) ([]float64, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return append([]float64(nil), s.state.lastPours...), nil
}

func (s *SettingsStore) SaveLastPourVolumes(ctx context.Context, volumes []float64) error {
	return s.saveTapColumn(ctx, volumes, func(st *settingsState) []float64 { return st.lastPours })
}

func (s *SettingsStore) LastPourAverages(ctx context.Context) ([]float64, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return append([]float64(nil), s.state.lastAverages...), nil
}

func (s *SettingsStore) SaveLastPourAverages(ctx context.Context, averages []float64) error {
	return s.saveTapColumn(ctx, averages, func(st *settingsState) []float64 { return st.lastAverages })
}

func (s *SettingsStore) saveTapColumn(ctx context.Context, values []float64, column func(*settingsState) []float64) error {
	_ = ctx
	if len(values) != s.taps {
		return fmt.Errorf("%w: %d values for %d taps", ErrInvalidArgument, len(values), s.taps)
	}
	values = append([]float64(nil), values...)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.withWrite(func(st *settingsState) {
		copy(column(st), values)
	}, s.writeTaps)
}

// AssignKeg puts kegID on tap. An empty id leaves the tap unassigned.
func (s *SettingsStore) AssignKeg(ctx context.Context, tap int, kegID string) error {
	_ = ctx
	if tap < 0 || tap >= s.taps {
		return fmt.Errorf("%w: tap %d", ErrInvalidArgument, tap)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.readState(func(st *settingsState) error {
		if _, ok := st.kegs[kegID]; kegID != "" && !ok {
			return fmt.Errorf("keg %q: %w", kegID, api.ErrKegNotFound)
		}
		return nil
	}); err != nil {
		return err
	}
	return s.withWrite(func(st *settingsState) {
		st.assignments[tap] = kegID
	}, func(tx *sql.Tx, next settingsState) error {
		return upsertTapTx(tx, tap, next)
	})
}

// ResetKegToEmpty marks a keg as kicked: its gross weight drops to tare, its
// volume and pulse history are cleared and it no longer carries a beverage or
// fill date.
func (s *SettingsStore) ResetKegToEmpty(ctx context.Context, kegID string) error {
	_ = ctx
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var k api.Keg
	if err := s.readState(func(st *settingsState) error {
		var ok bool
		if k, ok = st.kegs[kegID]; !ok {
			return fmt.Errorf("keg %q: %w", kegID, api.ErrKegNotFound)
		}
		return nil
	}); err != nil {
		return err
	}
	k.StartingTotalWeightKg = k.TareWeightKg
	k.StartingVolumeLiters = 0
	k.DispensedLiters = 0
	k.TotalDispensedPulses = 0
	k.BeverageID = ""
	k.FillDate = ""
	return s.withWrite(func(st *settingsState) {
		st.kegs[kegID] = k
		delete(st.dirty, kegID)
	}, func(tx *sql.Tx, _ settingsState) error {
		return upsertKegTx(tx, k)
	})
}

// ListKegs returns every keg ordered by title.
func (s *SettingsStore) ListKegs(ctx context.Context) ([]api.Keg, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]api.Keg, 0, len(s.state.kegs))
	for _, k := range s.state.kegs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title == out[j].Title {
			return out[i].ID < out[j].ID
		}
		return out[i].Title < out[j].Title
	})
	return out, nil
}

// CreateKeg adds a keg. Missing id, title, tare and capacity get defaults, and
// the starting volume is derived from the gross weight when not given.
func (s *SettingsStore) CreateKeg(ctx context.Context, k api.Keg) (api.Keg, error) {
	_ = ctx
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.readState(func(st *settingsState) error {
		if k.ID == "" {
			k.ID = uuid.NewString()
		} else if _, exists := st.kegs[k.ID]; exists {
			return fmt.Errorf("%w: keg %q already exists", ErrInvalidArgument, k.ID)
		}
		if strings.TrimSpace(k.Title) == "" {
			k.Title = st.nextKegTitle()
		}
		return nil
	}); err != nil {
		return api.Keg{}, err
	}
	if k.TareWeightKg == 0 {
		k.TareWeightKg = defaultTareWeightKg
	}
	if k.MaximumFullVolumeLiters == 0 {
		k.MaximumFullVolumeLiters = defaultMaxVolumeLiters
	}
	if k.StartingTotalWeightKg == 0 {
		k.StartingTotalWeightKg = k.TareWeightKg
	}
	normalizeKeg(&k)
	if err := validateKeg(k); err != nil {
		return api.Keg{}, err
	}
	err := s.withWrite(func(st *settingsState) {
		st.kegs[k.ID] = k
	}, func(tx *sql.Tx, _ settingsState) error {
		return upsertKegTx(tx, k)
	})
	if err != nil {
		return api.Keg{}, err
	}
	return k, nil
}

// UpdateKeg replaces a keg's definition. Dispensed volume and pulse totals are
// taken from the update so operators can correct them.
func (s *SettingsStore) UpdateKeg(ctx context.Context, k api.Keg) (api.Keg, error) {
	_ = ctx
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.readState(func(st *settingsState) error {
		if _, ok := st.kegs[k.ID]; !ok {
			return fmt.Errorf("keg %q: %w", k.ID, api.ErrKegNotFound)
		}
		return nil
	}); err != nil {
		return api.Keg{}, err
	}
	if strings.TrimSpace(k.Title) == "" {
		return api.Keg{}, fmt.Errorf("%w: keg title required", ErrInvalidArgument)
	}
	normalizeKeg(&k)
	if err := validateKeg(k); err != nil {
		return api.Keg{}, err
	}
	err := s.withWrite(func(st *settingsState) {
		st.kegs[k.ID] = k
		delete(st.dirty, k.ID)
	}, func(tx *sql.Tx, _ settingsState) error {
		return upsertKegTx(tx, k)
	})
	if err != nil {
		return api.Keg{}, err
	}
	return k, nil
}

// DeleteKeg removes a keg and unassigns it from any tap. It returns the taps
// that were unassigned.
func (s *SettingsStore) DeleteKeg(ctx context.Context, id string) ([]int, error) {
	_ = ctx
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var unassigned []int
	if err := s.readState(func(st *settingsState) error {
		if _, ok := st.kegs[id]; !ok {
			return fmt.Errorf("keg %q: %w", id, api.ErrKegNotFound)
		}
		for tap, assigned := range st.assignments {
			if assigned == id {
				unassigned = append(unassigned, tap)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	err := s.withWrite(func(st *settingsState) {
		delete(st.kegs, id)
		delete(st.dirty, id)
		for _, tap := range unassigned {
			st.assignments[tap] = ""
		}
	}, func(tx *sql.Tx, next settingsState) error {
		if _, err := tx.Exec(`DELETE FROM kegs WHERE id=?`, id); err != nil {
			return err
		}
		for _, tap := range unassigned {
			if err := upsertTapTx(tx, tap, next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unassigned, nil
}

// nextKegTitle returns the first free "Keg NN" title.
func (st *settingsState) nextKegTitle() string {
	used := make(map[int]bool)
	for _, k := range st.kegs {
		rest, ok := strings.CutPrefix(k.Title, "Keg ")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
			used[n] = true
		}
	}
	n := 1
	for used[n] {
		n++
	}
	return fmt.Sprintf("Keg %02d", n)
}

// normalizeKeg fills whichever of starting volume and gross weight was left
// unset from the other.
func normalizeKeg(k *api.Keg) {
	switch {
	case k.StartingVolumeLiters == 0 && k.StartingTotalWeightKg > k.TareWeightKg:
		k.StartingVolumeLiters = calibration.VolumeFromWeight(k.StartingTotalWeightKg, k.TareWeightKg, calibration.DefaultDensity)
	case k.StartingVolumeLiters > 0 && k.StartingTotalWeightKg <= k.TareWeightKg:
		k.StartingTotalWeightKg = calibration.WeightFromVolume(k.StartingVolumeLiters, k.TareWeightKg, calibration.DefaultDensity)
	}
}

func validateKeg(k api.Keg) error {
	for name, v := range map[string]float64{
		"tare_weight_kg":             k.TareWeightKg,
		"starting_total_weight_kg":   k.StartingTotalWeightKg,
		"maximum_full_volume_liters": k.MaximumFullVolumeLiters,
		"starting_volume_liters":     k.StartingVolumeLiters,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be a non-negative number", ErrInvalidArgument, name)
		}
	}
	if math.IsNaN(k.DispensedLiters) || math.IsInf(k.DispensedLiters, 0) {
		return fmt.Errorf("%w: current_dispensed_liters must be finite", ErrInvalidArgument)
	}
	return nil
}

func clampTaps(n, limit int) int {
	if n < 1 {
		return 1
	}
	if n > limit {
		return limit
	}
	return n
}
