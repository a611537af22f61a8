package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// StaticMaster is an in-memory instrument master. Paper sessions seed it
// with synthetic option rows; tests seed it with fixtures.
type StaticMaster struct {
	mu       sync.RWMutex
	rows     map[string]Instrument
	expiries map[string][]time.Time
}

// NewStaticMaster creates an empty master.
func NewStaticMaster() *StaticMaster {
	return &StaticMaster{
		rows:     make(map[string]Instrument),
		expiries: make(map[string][]time.Time),
	}
}

func masterKey(underlying string, strike float64, optionType OptionType, expiry time.Time) string {
	return fmt.Sprintf("%s|%.2f|%s|%s", underlying, strike, optionType, expiry.Format("2006-01-02"))
}

// Add registers an instrument row and its expiry.
func (m *StaticMaster) Add(inst Instrument) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[masterKey(inst.Underlying, inst.Strike, inst.OptionType, inst.Expiry)] = inst

	day := inst.Expiry.Truncate(24 * time.Hour)
	for _, known := range m.expiries[inst.Underlying] {
		if known.Equal(day) {
			return
		}
	}
	m.expiries[inst.Underlying] = append(m.expiries[inst.Underlying], day)
	sort.Slice(m.expiries[inst.Underlying], func(i, j int) bool {
		return m.expiries[inst.Underlying][i].Before(m.expiries[inst.Underlying][j])
	})
}

// Lookup implements InstrumentMaster.
func (m *StaticMaster) Lookup(_ context.Context, underlying string, strike float64, optionType OptionType, expiry time.Time) (Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.rows[masterKey(underlying, strike, optionType, expiry)]
	if !ok {
		return Instrument{}, fmt.Errorf("instrument master: no row for %s %.2f %s %s",
			underlying, strike, optionType, expiry.Format("2006-01-02"))
	}
	return inst, nil
}

// Expiries implements InstrumentMaster.
func (m *StaticMaster) Expiries(_ context.Context, underlying string) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]time.Time, len(m.expiries[underlying]))
	copy(out, m.expiries[underlying])
	return out, nil
}

var _ InstrumentMaster = (*StaticMaster)(nil)
