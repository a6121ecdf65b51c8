package records

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/jmcleod/medseal/chain"
	"github.com/jmcleod/medseal/content"
	"github.com/jmcleod/medseal/envelope"
	"github.com/jmcleod/medseal/internal/util"
	"github.com/jmcleod/medseal/keys"
)

// Published describes a record after it was sealed, pinned and anchored.
// DecryptionKey is only set for per-upload keys, which the caller must
// hand to recipients itself.
type Published struct {
	RecordID      *big.Int           `json:"recordId"`
	CID           string             `json:"cid"`
	MetaHash      string             `json:"metaHash"`
	PinSize       int64              `json:"pinSize"`
	Envelope      *envelope.Envelope `json:"envelope"`
	DecryptionKey string             `json:"decryptionKey,omitempty"`
}

// Publisher seals metadata documents and anchors them on-chain.
type Publisher struct {
	keys     keys.Provider
	store    content.Store
	registry chain.Registry
	logger   *slog.Logger
}

// NewPublisher returns a Publisher.
func NewPublisher(provider keys.Provider, store content.Store, registry chain.Registry, opts ...Option) *Publisher {
	o := buildOptions(opts)
	return &Publisher{keys: provider, store: store, registry: registry, logger: o.logger}
}

// Publish validates doc, checks that its attachments are raw files, seals
// it, pins the envelope and creates the on-chain record for owner.
func (p *Publisher) Publish(ctx context.Context, owner common.Address, doc *envelope.MetadataDocument) (*Published, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	for _, id := range doc.Files {
		if err := content.CheckAttachment(ctx, p.store, id); err != nil {
			return nil, fmt.Errorf("attachment %s: %w", id, err)
		}
	}

	key, err := p.keys.Key(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining key: %w", err)
	}
	defer key.Wipe()

	env, err := envelope.SealDocument(doc, key.Bytes())
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	hash, err := envelope.MetaHash(env)
	if err != nil {
		return nil, err
	}

	pin, err := p.store.PinJSON(ctx, "", data)
	if err != nil {
		return nil, fmt.Errorf("pinning envelope: %w", err)
	}
	id, err := p.registry.CreateRecord(ctx, owner, pin.CID, hash)
	if err != nil {
		return nil, fmt.Errorf("creating record for %s: %w", pin.CID, err)
	}

	out := &Published{
		RecordID: id,
		CID:      pin.CID,
		MetaHash: util.Hex0x(hash[:]),
		PinSize:  pin.PinSize,
		Envelope: env,
	}
	if key.Mode() == keys.ModePerUpload {
		out.DecryptionKey = key.Hex()
	}
	p.logger.InfoContext(ctx, "record published",
		slog.String("record_id", id.String()),
		slog.String("cid", pin.CID),
		slog.String("key_mode", key.Mode().String()),
		slog.Int("files", len(doc.Files)),
	)
	return out, nil
}
