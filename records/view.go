package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/jmcleod/medseal/accesskey"
	"github.com/jmcleod/medseal/chain"
	"github.com/jmcleod/medseal/content"
	"github.com/jmcleod/medseal/envelope"
	"github.com/jmcleod/medseal/keys"
)

// ErrNoKey is returned for a record when neither the bundle nor the
// provider can supply a key.
var ErrNoKey = errors.New("no decryption key available")

// Item is the outcome of reading one record.
type Item struct {
	RecordID string                     `json:"recordId"`
	Status   Status                     `json:"status"`
	Reason   accesskey.Reason           `json:"reason,omitempty"`
	Record   *chain.Record              `json:"-"`
	CID      string                     `json:"cid,omitempty"`
	Document *envelope.MetadataDocument `json:"document,omitempty"`
	Err      error                      `json:"-"`
}

// OK reports whether the document was decrypted.
func (it Item) OK() bool {
	return it.Status == StatusOK
}

// Report collects the outcomes of a batch read, one item per record, in
// the order the records were given.
type Report struct {
	Patient string `json:"patient,omitempty"`
	Doctor  string `json:"doctor,omitempty"`
	Items   []Item `json:"items"`
}

// Succeeded counts the items that were decrypted.
func (r *Report) Succeeded() int {
	n := 0
	for _, it := range r.Items {
		if it.OK() {
			n++
		}
	}
	return n
}

// Viewer reads records, either as a doctor redeeming a bundle or as a
// patient listing their own history.
type Viewer struct {
	verifier *accesskey.Verifier
	registry chain.Registry
	fetcher  content.Fetcher
	keys     keys.Provider
	logger   *slog.Logger
}

// NewViewer returns a Viewer. provider may be nil when every record is
// expected to carry a legacy key in its bundle.
func NewViewer(registry chain.Registry, fetcher content.Fetcher, provider keys.Provider, opts ...Option) *Viewer {
	o := buildOptions(opts)
	return &Viewer{
		verifier: accesskey.NewVerifier(registry),
		registry: registry,
		fetcher:  fetcher,
		keys:     provider,
		logger:   o.logger,
	}
}

// Redeem verifies every grant in b for caller and decrypts the records
// that pass. Items are processed one at a time and a failure only affects
// its own item.
func (v *Viewer) Redeem(ctx context.Context, b *accesskey.Bundle, caller string) *Report {
	report := &Report{Patient: b.Patient, Doctor: b.Doctor, Items: make([]Item, 0, len(b.Records))}
	for _, res := range v.verifier.VerifyBundle(ctx, b, caller) {
		it := Item{RecordID: res.Grant.RecordID}
		if !res.Valid() {
			it.Status = StatusRejected
			it.Reason = accesskey.ReasonOf(res.Err)
			it.Err = res.Err
			report.Items = append(report.Items, it)
			continue
		}
		id, _ := accesskey.ParseRecordID(res.Grant.RecordID)
		v.read(ctx, &it, id, b.KeyFor(res.Grant))
		report.Items = append(report.Items, it)
	}
	v.logger.InfoContext(ctx, "bundle redeemed",
		slog.String("patient", b.Patient),
		slog.String("caller", caller),
		slog.Int("records", len(report.Items)),
		slog.Int("decrypted", report.Succeeded()),
	)
	return report
}

// History lists owner's unrevoked records, newest first, decrypting each
// with the provider key.
func (v *Viewer) History(ctx context.Context, owner common.Address, fromBlock uint64) (*Report, error) {
	ids, err := v.registry.RecordIDsByOwner(ctx, owner, fromBlock)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	report := &Report{Patient: owner.Hex(), Items: make([]Item, 0, len(ids))}
	for _, id := range ids {
		it := Item{RecordID: id.String()}
		v.read(ctx, &it, id, "")
		if it.Status == StatusRevoked {
			continue
		}
		report.Items = append(report.Items, it)
	}
	sort.SliceStable(report.Items, func(i, j int) bool {
		return timestampOf(report.Items[i]) > timestampOf(report.Items[j])
	})
	return report, nil
}

func timestampOf(it Item) uint64 {
	if it.Record == nil {
		return 0
	}
	return it.Record.Timestamp
}

// read fills it with the record, its envelope and the decrypted document.
func (v *Viewer) read(ctx context.Context, it *Item, id *big.Int, legacyKey string) {
	rec, err := v.registry.GetRecord(ctx, id)
	if err != nil {
		it.Status, it.Err = StatusFailed, err
		return
	}
	it.Record = rec
	it.CID = rec.CIDMeta
	if rec.Revoked {
		it.Status, it.Err = StatusRevoked, chain.ErrRecordRevoked
		return
	}

	key, err := v.key(ctx, legacyKey)
	if err != nil {
		it.Status, it.Err = StatusUndecryptable, err
		return
	}
	defer key.Wipe()

	var doc envelope.MetadataDocument
	if _, err := content.OpenEnvelope(ctx, v.fetcher, rec.CIDMeta, key.Bytes(), &doc); err != nil {
		it.Status, it.Err = statusOf(err), err
		v.logger.WarnContext(ctx, "record unreadable",
			slog.String("record_id", it.RecordID),
			slog.String("cid", rec.CIDMeta),
			slog.String("status", string(it.Status)),
		)
		return
	}
	it.Document = &doc
	it.Status = StatusOK
}

func (v *Viewer) key(ctx context.Context, legacyKey string) (*keys.Material, error) {
	if legacyKey != "" {
		raw, err := keys.ParseHexKey(legacyKey)
		if err != nil {
			return nil, err
		}
		return keys.NewMaterial(keys.ModePerUpload, raw)
	}
	if v.keys == nil {
		return nil, ErrNoKey
	}
	return v.keys.Key(ctx)
}

func statusOf(err error) Status {
	switch {
	case errors.Is(err, content.ErrContentUnavailable):
		return StatusUnavailable
	case errors.Is(err, content.ErrNotAnEnvelope):
		return StatusNotAnEnvelope
	case errors.Is(err, envelope.ErrDecryptionFailed),
		errors.Is(err, envelope.ErrInvalidKeyMaterial),
		errors.Is(err, envelope.ErrMalformedEnvelope),
		errors.Is(err, envelope.ErrInvalidEnvelopeGeometry):
		return StatusUndecryptable
	default:
		return StatusFailed
	}
}
