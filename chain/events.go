package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EventKind names a contract event.
type EventKind string

const (
	EventRecordCreated       EventKind = "RecordCreated"
	EventConsentGranted      EventKind = "ConsentGranted"
	EventConsentKeyGenerated EventKind = "ConsentKeyGenerated"
	EventAccessLogged        EventKind = "AccessLogged"
	EventPaymentReceived     EventKind = "PaymentReceived"
)

// DefaultConsentStrategies lists the consent event kinds in the order they
// are tried. Older deployments emit ConsentKeyGenerated.
var DefaultConsentStrategies = []EventKind{EventConsentKeyGenerated, EventConsentGranted}

// RawEvent is a decoded log whose argument set depends on the contract
// version that emitted it.
type RawEvent struct {
	Kind        EventKind
	Args        map[string]any
	BlockNumber uint64
	TxHash      common.Hash
}

// ConsentEvent is the canonical form of every consent event shape.
type ConsentEvent struct {
	Kind        EventKind      `json:"kind"`
	RecordID    *big.Int       `json:"recordId"`
	Patient     common.Address `json:"patient"`
	Doctor      common.Address `json:"doctor"`
	Nonce       string         `json:"nonce,omitempty"`
	Expiry      uint64         `json:"expiry"`
	Timestamp   uint64         `json:"timestamp"`
	BlockNumber uint64         `json:"blockNumber"`
	TxHash      common.Hash    `json:"transactionHash"`
}

// AccessDurationDays is the granted window in whole days.
func (e ConsentEvent) AccessDurationDays() uint64 {
	if e.Expiry <= e.Timestamp {
		return 0
	}
	return (e.Expiry - e.Timestamp) / 86400
}

// RecordEvent is the canonical form of RecordCreated.
type RecordEvent struct {
	RecordID    *big.Int       `json:"recordId"`
	Owner       common.Address `json:"owner"`
	CIDMeta     string         `json:"cidMeta"`
	MetaHash    string         `json:"metaHash"`
	Timestamp   uint64         `json:"timestamp"`
	BlockNumber uint64         `json:"blockNumber"`
	TxHash      common.Hash    `json:"transactionHash"`
}

// ErrMalformedEvent is returned when an event lacks a usable field.
var ErrMalformedEvent = errors.New("malformed event")

// NormalizeConsent maps any consent event shape onto ConsentEvent. It
// accepts recordId or id, patient or owner, expiry or expiryDate, and uses
// the expiry when no timestamp was emitted.
func NormalizeConsent(ev RawEvent) (ConsentEvent, error) {
	id, ok := argBig(ev.Args, "recordId", "id")
	if !ok {
		return ConsentEvent{}, fmt.Errorf("%w: %s has no record id", ErrMalformedEvent, ev.Kind)
	}
	doctor, ok := argAddress(ev.Args, "doctor")
	if !ok {
		return ConsentEvent{}, fmt.Errorf("%w: %s has no doctor", ErrMalformedEvent, ev.Kind)
	}
	out := ConsentEvent{
		Kind:        ev.Kind,
		RecordID:    id,
		Doctor:      doctor,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash,
	}
	out.Patient, _ = argAddress(ev.Args, "patient", "owner")
	out.Nonce, _ = argHex(ev.Args, "nonce")
	out.Expiry, _ = argUint(ev.Args, "expiry", "expiryDate")
	if ts, ok := argUint(ev.Args, "timestamp"); ok && ts > 0 {
		out.Timestamp = ts
	} else {
		out.Timestamp = out.Expiry
	}
	return out, nil
}

// NormalizeRecord maps a RecordCreated event onto RecordEvent.
func NormalizeRecord(ev RawEvent) (RecordEvent, error) {
	id, ok := argBig(ev.Args, "id", "recordId")
	if !ok {
		return RecordEvent{}, fmt.Errorf("%w: %s has no record id", ErrMalformedEvent, ev.Kind)
	}
	out := RecordEvent{RecordID: id, BlockNumber: ev.BlockNumber, TxHash: ev.TxHash}
	out.Owner, _ = argAddress(ev.Args, "owner", "patient")
	if s, ok := ev.Args["cidMeta"].(string); ok {
		out.CIDMeta = s
	}
	out.MetaHash, _ = argHex(ev.Args, "metaHash")
	out.Timestamp, _ = argUint(ev.Args, "timestamp")
	return out, nil
}

// LookupStatus is the result of one strategy.
type LookupStatus int

const (
	LookupFound LookupStatus = iota
	LookupUnsupported
	LookupFailed
	LookupSkipped
)

func (s LookupStatus) String() string {
	switch s {
	case LookupFound:
		return "found"
	case LookupUnsupported:
		return "unsupported"
	case LookupFailed:
		return "failed"
	case LookupSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("LookupStatus(%d)", int(s))
	}
}

// LookupOutcome records what happened when one event kind was queried.
type LookupOutcome struct {
	Kind      EventKind
	Status    LookupStatus
	Count     int
	Malformed int
	Err       error
}

// ConsentHistoryResult holds the normalised events and one outcome per
// strategy.
type ConsentHistoryResult struct {
	Events   []ConsentEvent
	Outcomes []LookupOutcome
}

// ConsentHistory queries the kinds in order. The first kind the contract
// supports supplies the events and later kinds are skipped. An unsupported
// kind moves on to the next; any other error stops the lookup and is
// returned with the outcomes gathered so far. Events are sorted by block.
func ConsentHistory(ctx context.Context, src EventSource, fromBlock uint64, kinds ...EventKind) (ConsentHistoryResult, error) {
	if len(kinds) == 0 {
		kinds = DefaultConsentStrategies
	}
	var res ConsentHistoryResult
	done := false
	for _, kind := range kinds {
		if done {
			res.Outcomes = append(res.Outcomes, LookupOutcome{Kind: kind, Status: LookupSkipped})
			continue
		}
		raw, err := src.Events(ctx, kind, fromBlock)
		switch {
		case errors.Is(err, ErrEventUnsupported):
			res.Outcomes = append(res.Outcomes, LookupOutcome{Kind: kind, Status: LookupUnsupported, Err: err})
			continue
		case err != nil:
			res.Outcomes = append(res.Outcomes, LookupOutcome{Kind: kind, Status: LookupFailed, Err: err})
			return res, fmt.Errorf("querying %s events: %w", kind, err)
		}

		outcome := LookupOutcome{Kind: kind, Status: LookupFound}
		for _, ev := range raw {
			ce, err := NormalizeConsent(ev)
			if err != nil {
				outcome.Malformed++
				continue
			}
			res.Events = append(res.Events, ce)
			outcome.Count++
		}
		res.Outcomes = append(res.Outcomes, outcome)
		done = true
	}
	sort.SliceStable(res.Events, func(i, j int) bool {
		return res.Events[i].BlockNumber < res.Events[j].BlockNumber
	})
	return res, nil
}

// RecordHistory returns every RecordCreated event since fromBlock.
func RecordHistory(ctx context.Context, src EventSource, fromBlock uint64) ([]RecordEvent, error) {
	raw, err := src.Events(ctx, EventRecordCreated, fromBlock)
	if err != nil {
		return nil, err
	}
	out := make([]RecordEvent, 0, len(raw))
	for _, ev := range raw {
		re, err := NormalizeRecord(ev)
		if err != nil {
			continue
		}
		out = append(out, re)
	}
	return out, nil
}

func argBig(args map[string]any, names ...string) (*big.Int, bool) {
	for _, name := range names {
		switch v := args[name].(type) {
		case *big.Int:
			if v != nil {
				return new(big.Int).Set(v), true
			}
		case uint64:
			return new(big.Int).SetUint64(v), true
		case int64:
			return big.NewInt(v), true
		case int:
			return big.NewInt(int64(v)), true
		case string:
			if n, ok := new(big.Int).SetString(strings.TrimSpace(v), 0); ok {
				return n, true
			}
		}
	}
	return nil, false
}

func argUint(args map[string]any, names ...string) (uint64, bool) {
	n, ok := argBig(args, names...)
	if !ok || n.Sign() < 0 || !n.IsUint64() {
		return 0, false
	}
	return n.Uint64(), true
}

func argAddress(args map[string]any, names ...string) (common.Address, bool) {
	for _, name := range names {
		switch v := args[name].(type) {
		case common.Address:
			return v, true
		case string:
			if common.IsHexAddress(v) {
				return common.HexToAddress(v), true
			}
		}
	}
	return common.Address{}, false
}

func argHex(args map[string]any, names ...string) (string, bool) {
	for _, name := range names {
		switch v := args[name].(type) {
		case [32]byte:
			return hexutil.Encode(v[:]), true
		case common.Hash:
			return v.Hex(), true
		case []byte:
			return hexutil.Encode(v), true
		case string:
			return v, true
		}
	}
	return "", false
}
