package market

import (
	"context"
	"time"
)

// InstrumentType classifies instrument-master rows.
type InstrumentType string

// Instrument types present in the master.
const (
	TypeIndex       InstrumentType = "INDEX"
	TypeIndexOption InstrumentType = "OPTIDX"
	TypeFutOption   InstrumentType = "OPTFUT"
)

// OptionType is the option side of an instrument.
type OptionType string

// Option sides.
const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// Exchange segments recognized by the engine.
const (
	SegmentIndex       = "IDX_I"
	SegmentNSEEquity   = "NSE_EQ"
	SegmentBSEEquity   = "BSE_EQ"
	SegmentNSEFNO      = "NSE_FNO"
	SegmentBSEFNO      = "BSE_FNO"
	SegmentNSECurrency = "NSE_CURRENCY"
	SegmentBSECurrency = "BSE_CURRENCY"
	SegmentMCXComm     = "MCX_COMM"
)

// Instrument is one row of the instrument master. The master itself is an
// external oracle; the engine only consumes resolved tuples.
type Instrument struct {
	SecurityID      string         `json:"security_id"`
	Underlying      string         `json:"underlying"`
	Segment         string         `json:"segment"`
	InstrumentType  InstrumentType `json:"instrument_type"`
	Strike          float64        `json:"strike,omitempty"`
	OptionType      OptionType     `json:"option_type,omitempty"`
	Expiry          time.Time      `json:"expiry,omitempty"`
	LotSize         int            `json:"lot_size"`
	ExchangeSegment string         `json:"exchange_segment"`
}

// InstrumentMaster resolves option instruments for an underlying. The live
// implementation sits on the broker's instrument CSV; StaticMaster serves
// paper sessions and tests.
type InstrumentMaster interface {
	// Lookup returns the instrument for (underlying, strike, optionType,
	// expiry). A missing row is reported via picker.ErrNoInstrument by the
	// caller.
	Lookup(ctx context.Context, underlying string, strike float64, optionType OptionType, expiry time.Time) (Instrument, error)
	// Expiries returns the known expiry dates for an underlying, sorted
	// ascending. An empty slice means the caller falls back to the weekday
	// heuristic.
	Expiries(ctx context.Context, underlying string) ([]time.Time, error)
}
