package kv

import (
	"fmt"
	"time"
)

// Default TTLs for the engine's key families.
const (
	TickTTL        = 5 * time.Minute
	BarsTTL        = 24 * time.Hour
	OrderTTL       = 24 * time.Hour
	IdempotencyTTL = 24 * time.Hour
	HeartbeatTTL   = 5 * time.Minute
	InstrumentTTL  = time.Hour
)

// MaxBarHistory bounds the per-minute bar lists kept in the store.
const MaxBarHistory = 100

// Keys builds namespaced keys for every record family the engine persists.
// All keys are prefixed with the configured namespace, e.g. "scalper:v1".
type Keys struct {
	Namespace string
}

// NewKeys returns a key builder for the given namespace.
func NewKeys(namespace string) Keys {
	return Keys{Namespace: namespace}
}

func (k Keys) prefix(suffix string) string {
	return k.Namespace + ":" + suffix
}

// Config is the serialized configuration snapshot.
func (k Keys) Config() string { return k.prefix("cfg") }

// Universe is the set of tradable security ids.
func (k Keys) Universe() string { return k.prefix("universe:sids") }

// SymbolMeta is the per-underlying metadata hash.
func (k Keys) SymbolMeta(symbol string) string {
	return k.prefix("sym:" + symbol + ":meta")
}

// Tick is the last-tick hash for an instrument.
func (k Keys) Tick(segment, securityID string) string {
	return k.prefix("ticks:" + segment + ":" + securityID)
}

// Bars is the bounded bar-history list for an instrument and interval.
func (k Keys) Bars(segment, securityID string, intervalMinutes int) string {
	return k.prefix(fmt.Sprintf("bars:%s:%s:%d", segment, securityID, intervalMinutes))
}

// Order is the order record hash.
func (k Keys) Order(orderID string) string { return k.prefix("order:" + orderID) }

// OrdersList is the per-session order id list for a trading mode.
func (k Keys) OrdersList(mode, sessionID string) string {
	return k.prefix("orders:" + mode + ":" + sessionID)
}

// Position is the position record hash.
func (k Keys) Position(positionID string) string { return k.prefix("pos:" + positionID) }

// OpenPositions is the set of open position ids.
func (k Keys) OpenPositions() string { return k.prefix("pos:open") }

// ClosedPositions is the list of recently closed position ids, newest first.
func (k Keys) ClosedPositions() string { return k.prefix("pos:closed") }

// SessionPnL is the live session PnL hash.
func (k Keys) SessionPnL() string { return k.prefix("pnl:session") }

// Report is the archived per-session report hash.
func (k Keys) Report(sessionID string) string { return k.prefix("reports:" + sessionID) }

// Heartbeat is the process heartbeat hash (pid -> epoch).
func (k Keys) Heartbeat() string { return k.prefix("hb") }

// Lock is an advisory lock key.
func (k Keys) Lock(name string) string { return k.prefix("locks:" + name) }

// ThrottleKey is the throttle marker for a named action.
func (k Keys) ThrottleKey(name string) string { return k.prefix("throttle:" + name) }

// Idempotency maps an idempotency key to the order id it produced.
func (k Keys) Idempotency(key string) string { return k.prefix("idemp:" + key) }

// Instruments is the cached instrument-master JSON for an underlying.
func (k Keys) Instruments(symbol string) string { return k.prefix("instruments:" + symbol) }
