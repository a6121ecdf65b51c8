package records

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/jmcleod/medseal/accesskey"
	"github.com/jmcleod/medseal/chain"
)

// GrantRequest names what to share with whom.
type GrantRequest struct {
	Doctor     string
	ExpiryDays int
	// RecordIDs to share. Empty means every unrevoked record of the patient.
	RecordIDs []*big.Int
	// LegacyKeys maps record ids to per-upload keys that travel inside the
	// bundle. Records sealed under the global key need no entry.
	LegacyKeys map[string]string
	FromBlock  uint64
}

// GrantOutcome reports whether one issued grant was registered on-chain.
type GrantOutcome struct {
	Grant      accesskey.RecordGrant
	Registered bool
	Err        error
}

// Granter issues grants and registers them on-chain.
type Granter struct {
	issuer   *accesskey.Issuer
	registry chain.Registry
	logger   *slog.Logger
}

// NewGranter returns a Granter.
func NewGranter(issuer *accesskey.Issuer, registry chain.Registry, opts ...Option) *Granter {
	o := buildOptions(opts)
	return &Granter{issuer: issuer, registry: registry, logger: o.logger}
}

// Grant issues one grant per record and tries to register each. A failed
// registration is reported in the outcome and the grant stays in the
// bundle; the doctor's on-chain check will then fail for that record.
//
// An issuing failure, such as the wallet refusing to sign, stops issuing.
// The grants issued before it are still returned in a bundle, with their
// outcomes, alongside the error. The bundle is nil only when nothing was
// issued.
func (g *Granter) Grant(ctx context.Context, req GrantRequest) (*accesskey.Bundle, []GrantOutcome, error) {
	ids := req.RecordIDs
	if len(ids) == 0 {
		var err error
		if ids, err = g.ownedRecords(ctx, req.FromBlock); err != nil {
			return nil, nil, err
		}
	}
	if len(ids) == 0 {
		return nil, nil, ErrNoRecords
	}

	grants := make([]accesskey.RecordGrant, 0, len(ids))
	outcomes := make([]GrantOutcome, 0, len(ids))
	var issueErr error
	for _, id := range ids {
		grant, err := g.issuer.IssueGrant(ctx, id, req.Doctor, req.ExpiryDays)
		if err != nil {
			issueErr = fmt.Errorf("issuing grant for record %s: %w", id, err)
			break
		}
		if k := req.LegacyKeys[id.String()]; k != "" {
			grant.DecryptionKey = k
		}

		outcome := GrantOutcome{Grant: grant}
		if err := g.register(ctx, grant); err != nil {
			outcome.Err = err
			g.logger.WarnContext(ctx, "consent registration failed",
				slog.String("record_id", grant.RecordID),
				slog.String("doctor", grant.Doctor),
				slog.String("error", err.Error()),
			)
		} else {
			outcome.Registered = true
		}
		grants = append(grants, grant)
		outcomes = append(outcomes, outcome)
	}

	if len(grants) == 0 {
		return nil, nil, issueErr
	}
	bundle, err := accesskey.NewBundle(g.issuer.Patient(), req.Doctor, grants)
	if err != nil {
		return nil, nil, err
	}
	if issueErr != nil {
		g.logger.WarnContext(ctx, "access partially granted",
			slog.String("doctor", req.Doctor),
			slog.Int("records", len(grants)),
			slog.Int("requested", len(ids)),
			slog.String("error", issueErr.Error()),
		)
		return bundle, outcomes, issueErr
	}
	g.logger.InfoContext(ctx, "access granted",
		slog.String("doctor", req.Doctor),
		slog.Int("records", len(grants)),
		slog.Int("expiry_days", req.ExpiryDays),
	)
	return bundle, outcomes, nil
}

func (g *Granter) register(ctx context.Context, grant accesskey.RecordGrant) error {
	m, err := grant.Message()
	if err != nil {
		return err
	}
	sig, err := grant.SignatureBytes()
	if err != nil {
		return err
	}
	return g.registry.GrantConsent(ctx, m, sig)
}

func (g *Granter) ownedRecords(ctx context.Context, fromBlock uint64) ([]*big.Int, error) {
	owner, err := accesskey.ParseAddress(g.issuer.Patient())
	if err != nil {
		return nil, err
	}
	ids, err := g.registry.RecordIDsByOwner(ctx, owner, fromBlock)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	live := ids[:0]
	for _, id := range ids {
		r, err := g.registry.GetRecord(ctx, id)
		if err != nil {
			g.logger.WarnContext(ctx, "skipping unreadable record", slog.String("record_id", id.String()), slog.String("error", err.Error()))
			continue
		}
		if !r.Revoked {
			live = append(live, id)
		}
	}
	return live, nil
}
