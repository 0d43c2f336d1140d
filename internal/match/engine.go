package match

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andes-mobility/attribution-cli/internal/config"
	"github.com/andes-mobility/attribution-cli/internal/identity"
)

// Engine runs the rule cascade for one candidate at a time. All
// applicable rules run independently; their outcomes are reconciled at
// the end rather than short-circuited, so the strongest rule wins even
// when a weaker one fires first.
type Engine struct {
	roster Roster
	store  identity.Store

	similarityThreshold float64
	ambiguityMargin     float64
	previewCap          int
}

// NewEngine creates an Engine.
func NewEngine(roster Roster, store identity.Store, cfg config.MatchConfig) *Engine {
	previewCap := cfg.MaxCandidatePreview
	if previewCap <= 0 {
		previewCap = defaultMaxPreviews
	}
	return &Engine{
		roster:              roster,
		store:               store,
		similarityThreshold: cfg.SimilarityThreshold,
		ambiguityMargin:     cfg.AmbiguityMargin,
		previewCap:          previewCap,
	}
}

// Resolve runs the cascade and reconciles the per-rule outcomes into a
// single verdict. A non-nil error means an infrastructure failure while
// persisting the resolved person, never a data-quality problem.
func (e *Engine) Resolve(ctx context.Context, c Candidate) (*Resolution, error) {
	r3 := e.rulePlateName(ctx, c)

	outcomes := []outcome{
		e.rulePhone(ctx, c),
		e.ruleLicense(ctx, c),
		r3,
		e.rulePlateNameWide(ctx, c, r3.dateWindowEmptied),
		e.ruleVehicleName(ctx, c),
	}

	for _, o := range outcomes {
		if o.kind == outcomeFailed {
			zap.L().Warn("matching rule failed, continuing cascade",
				zap.String("rule", string(o.rule)),
				zap.String("source_table", c.SourceTable),
				zap.String("source_pk", c.SourcePK),
				zap.Error(o.err))
		}
	}

	return e.reconcile(ctx, c, outcomes)
}

func (e *Engine) reconcile(ctx context.Context, c Candidate, outcomes []outcome) (*Resolution, error) {
	matched := make([]outcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.kind == outcomeMatched {
			matched = append(matched, o)
		}
	}

	switch {
	case len(matched) == 1:
		return e.resolveMatch(ctx, c, matched[0], outcomes)

	case len(matched) > 1:
		// Several rules fired. If they all agree on one person, keep
		// the highest-scoring rule; if they name different persons,
		// that is a contradiction worth human eyes.
		keys := make([]string, len(matched))
		agree := true
		for i, o := range matched {
			key, err := e.driverIdentityKey(ctx, o.driver.ID)
			if err != nil {
				return nil, err
			}
			keys[i] = key
			if key != keys[0] {
				agree = false
			}
		}

		if agree {
			best := matched[0]
			for _, o := range matched[1:] {
				if o.score > best.score {
					best = o
				}
			}
			return e.resolveMatch(ctx, c, best, outcomes)
		}

		previews := make([]Preview, 0, e.previewCap)
		for i, o := range matched {
			if len(previews) == e.previewCap {
				break
			}
			previews = append(previews, Preview{
				DriverID: o.driver.ID,
				PersonID: keys[i],
				Rule:     string(o.rule),
				Name:     o.driver.FullName,
				Score:    o.score,
			})
		}
		return e.noMatch(c, identity.ReasonMultipleCandidates, previews), nil
	}

	// No rule matched: surface the first ambiguity or weak-only signal
	// in cascade order, then fall back to no-candidates.
	for _, o := range outcomes {
		switch o.kind {
		case outcomeAmbiguous:
			return e.noMatch(c, identity.ReasonMultipleCandidates, o.previews), nil
		case outcomeWeakOnly:
			return e.noMatch(c, identity.ReasonWeakMatchOnly, o.previews), nil
		}
	}

	allFailed := true
	var firstErr error
	for _, o := range outcomes {
		switch o.kind {
		case outcomeFailed:
			if firstErr == nil {
				firstErr = o.err
			}
		case outcomeSkipped:
			// skipped rules don't count either way
		default:
			allFailed = false
		}
	}
	if allFailed && firstErr != nil {
		res := e.noMatch(c, identity.ReasonError, nil)
		res.Details["error"] = firstErr.Error()
		return res, nil
	}

	return e.noMatch(c, identity.ReasonNoCandidates, nil), nil
}

// resolveMatch turns a winning rule outcome into a Resolution, minting or
// enriching the person behind the matched driver.
func (e *Engine) resolveMatch(ctx context.Context, c Candidate, o outcome, all []outcome) (*Resolution, error) {
	personID, err := e.ensurePerson(ctx, *o.driver, o.tier)
	if err != nil {
		return nil, err
	}

	// Enrich the person with whatever the candidate itself carries.
	if _, err := e.store.CreateOrEnrichPerson(ctx, identity.Person{
		ID:         personID,
		Confidence: o.tier,
		Phone:      c.PhoneLoose,
		License:    c.License,
		FullName:   c.FullName,
	}); err != nil {
		return nil, err
	}

	evidence := map[string]any{
		"driver_id": o.driver.ID,
		"rule":      string(o.rule),
	}
	if o.similarity > 0 {
		evidence["name_similarity"] = o.similarity
	}
	if fired := firedRules(all); len(fired) > 1 {
		evidence["rules_fired"] = fired
	}

	return &Resolution{
		Matched:    true,
		PersonID:   personID,
		Rule:       o.rule,
		Score:      o.score,
		Confidence: o.tier,
		Evidence:   evidence,
	}, nil
}

// ensurePerson resolves a roster driver to its person, minting one seeded
// from the driver's own identifiers when none exists yet. This is the
// only place a person is created from roster data.
func (e *Engine) ensurePerson(ctx context.Context, d DriverRecord, tier identity.Tier) (string, error) {
	existing, err := e.store.FindPersonByDriver(ctx, d.ID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ID, nil
	}

	p, err := e.store.CreateOrEnrichPerson(ctx, identity.Person{
		ID:         uuid.NewString(),
		Confidence: tier,
		Phone:      d.Phone,
		License:    d.License,
		FullName:   d.FullName,
	})
	if err != nil {
		return "", err
	}
	if err := e.store.AttachPersonToDriver(ctx, p.ID, d.ID); err != nil {
		return "", err
	}

	zap.L().Debug("minted person from roster driver",
		zap.String("person_id", p.ID),
		zap.String("driver_id", d.ID))
	return p.ID, nil
}

// driverIdentityKey returns a stable key identifying the person a driver
// would resolve to, without minting anything.
func (e *Engine) driverIdentityKey(ctx context.Context, driverID string) (string, error) {
	p, err := e.store.FindPersonByDriver(ctx, driverID)
	if err != nil {
		return "", err
	}
	if p != nil {
		return p.ID, nil
	}
	return "driver:" + driverID, nil
}

func (e *Engine) noMatch(c Candidate, reason identity.Reason, previews []Preview) *Resolution {
	details := map[string]any{
		"phone":   c.PhoneLoose,
		"license": c.License,
		"plate":   c.Plate,
		"name":    c.FullName,
	}
	if len(previews) > 0 {
		details["candidates"] = previews
	}
	return &Resolution{
		Matched: false,
		Reason:  reason,
		Details: details,
	}
}

func firedRules(outcomes []outcome) []string {
	var fired []string
	for _, o := range outcomes {
		if o.kind == outcomeMatched {
			fired = append(fired, string(o.rule))
		}
	}
	return fired
}
