package match

import (
	"context"
	"sort"
	"time"

	"github.com/andes-mobility/attribution-cli/internal/identity"
	"github.com/andes-mobility/attribution-cli/internal/normalize"
)

// Rule scores and confidence tiers.
const (
	scorePhoneExact    = 95
	scoreLicenseExact  = 92
	scorePlateName     = 85
	scorePlateNameWide = 80
	scoreVehicleName   = 75
)

// Enrollment-date windows, in days relative to the candidate's snapshot
// date. Roster entries without an enrollment date always pass.
const (
	plateWindowBefore   = 90
	plateWindowAfter    = 30
	vehicleWindowBefore = 30
	vehicleWindowAfter  = 7
)

// outcomeKind classifies what a single rule contributed. Rules never
// panic or abort the cascade; an infrastructure error becomes
// outcomeFailed and the other rules still run.
type outcomeKind int

const (
	outcomeSkipped outcomeKind = iota // required inputs absent
	outcomeMatched
	outcomeAmbiguous
	outcomeNoCandidates
	outcomeWeakOnly // candidates found but all below the similarity threshold
	outcomeFailed
)

// outcome is one rule's contribution to reconciliation.
type outcome struct {
	rule       identity.Rule
	kind       outcomeKind
	driver     *DriverRecord
	score      float64
	tier       identity.Tier
	similarity float64
	previews   []Preview

	// dateWindowEmptied marks a plate rule whose candidates all fell to
	// the enrollment-date filter, which is what arms the no-window retry.
	dateWindowEmptied bool

	err error
}

// twoPhaseLookup searches the home scope first and widens to a global
// search only when the scoped search comes back empty. The scope level
// that produced hits is the one whose cardinality counts.
func twoPhaseLookup(ctx context.Context, find func(context.Context, string) ([]DriverRecord, error), scope string) ([]DriverRecord, error) {
	if scope != "" {
		hits, err := find(ctx, scope)
		if err != nil {
			return nil, err
		}
		if len(hits) > 0 {
			return hits, nil
		}
	}
	return find(ctx, "")
}

// exactRule covers R1 and R2: a unique exact hit on one identifier.
func (e *Engine) exactRule(ctx context.Context, rule identity.Rule, value string, score float64,
	find func(context.Context, string) ([]DriverRecord, error), c Candidate) outcome {

	if value == "" {
		return outcome{rule: rule, kind: outcomeSkipped}
	}

	hits, err := twoPhaseLookup(ctx, find, c.Scope)
	if err != nil {
		return outcome{rule: rule, kind: outcomeFailed, err: err}
	}

	switch len(hits) {
	case 0:
		return outcome{rule: rule, kind: outcomeNoCandidates}
	case 1:
		return outcome{
			rule:   rule,
			kind:   outcomeMatched,
			driver: &hits[0],
			score:  score,
			tier:   identity.TierHigh,
		}
	default:
		return outcome{
			rule:     rule,
			kind:     outcomeAmbiguous,
			previews: driverPreviews(rule, hits, 0, e.previewCap),
		}
	}
}

func (e *Engine) rulePhone(ctx context.Context, c Candidate) outcome {
	return e.exactRule(ctx, identity.RulePhoneExact, c.PhoneLoose, scorePhoneExact,
		func(ctx context.Context, scope string) ([]DriverRecord, error) {
			return e.roster.FindByPhone(ctx, c.PhoneLoose, scope)
		}, c)
}

func (e *Engine) ruleLicense(ctx context.Context, c Candidate) outcome {
	return e.exactRule(ctx, identity.RuleLicenseExact, c.License, scoreLicenseExact,
		func(ctx context.Context, scope string) ([]DriverRecord, error) {
			return e.roster.FindByLicense(ctx, c.License, scope)
		}, c)
}

func (e *Engine) rulePlateName(ctx context.Context, c Candidate) outcome {
	if c.Plate == "" || c.FullName == "" {
		return outcome{rule: identity.RulePlateName, kind: outcomeSkipped}
	}

	hits, err := e.roster.FindByPlate(ctx, c.Plate, c.Scope)
	if err != nil {
		return outcome{rule: identity.RulePlateName, kind: outcomeFailed, err: err}
	}
	if len(hits) == 0 {
		return outcome{rule: identity.RulePlateName, kind: outcomeNoCandidates}
	}

	windowed := filterByWindow(hits, c.SnapshotDate, plateWindowBefore, plateWindowAfter)
	if len(windowed) == 0 {
		return outcome{
			rule:              identity.RulePlateName,
			kind:              outcomeNoCandidates,
			dateWindowEmptied: true,
		}
	}

	return e.scoreByName(identity.RulePlateName, windowed, c, scorePlateName, identity.TierMedium)
}

// rulePlateNameWide re-runs the plate rule without the date window. Only
// armed when the windowed rule lost every candidate to the date filter.
func (e *Engine) rulePlateNameWide(ctx context.Context, c Candidate, armed bool) outcome {
	if !armed || c.Plate == "" || c.FullName == "" {
		return outcome{rule: identity.RulePlateNameWide, kind: outcomeSkipped}
	}

	hits, err := e.roster.FindByPlate(ctx, c.Plate, c.Scope)
	if err != nil {
		return outcome{rule: identity.RulePlateNameWide, kind: outcomeFailed, err: err}
	}
	if len(hits) == 0 {
		return outcome{rule: identity.RulePlateNameWide, kind: outcomeNoCandidates}
	}

	return e.scoreByName(identity.RulePlateNameWide, hits, c, scorePlateNameWide, identity.TierMedium)
}

func (e *Engine) ruleVehicleName(ctx context.Context, c Candidate) outcome {
	if c.Brand == "" || c.Model == "" || c.FullName == "" {
		return outcome{rule: identity.RuleVehicleName, kind: outcomeSkipped}
	}

	hits, err := e.roster.FindByVehicle(ctx, c.Brand, c.Model, c.Scope)
	if err != nil {
		return outcome{rule: identity.RuleVehicleName, kind: outcomeFailed, err: err}
	}
	if len(hits) == 0 {
		return outcome{rule: identity.RuleVehicleName, kind: outcomeNoCandidates}
	}

	windowed := filterByWindow(hits, c.SnapshotDate, vehicleWindowBefore, vehicleWindowAfter)
	if len(windowed) == 0 {
		return outcome{rule: identity.RuleVehicleName, kind: outcomeNoCandidates}
	}

	return e.scoreByName(identity.RuleVehicleName, windowed, c, scoreVehicleName, identity.TierLow)
}

// scoreByName ranks surviving candidates by name similarity, discards the
// ones below the threshold, and flags a near-tie at the top as ambiguous.
func (e *Engine) scoreByName(rule identity.Rule, hits []DriverRecord, c Candidate, score float64, tier identity.Tier) outcome {
	type scored struct {
		driver     DriverRecord
		similarity float64
	}

	ranked := make([]scored, 0, len(hits))
	for _, h := range hits {
		sim := normalize.Similarity(c.FullName, h.FullName)
		if sim >= e.similarityThreshold {
			ranked = append(ranked, scored{driver: h, similarity: sim})
		}
	}

	if len(ranked) == 0 {
		return outcome{
			rule:     rule,
			kind:     outcomeWeakOnly,
			previews: driverPreviews(rule, hits, 0, e.previewCap),
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].similarity > ranked[j].similarity
	})

	if len(ranked) > 1 && ranked[0].similarity-ranked[1].similarity < e.ambiguityMargin {
		previews := make([]Preview, 0, e.previewCap)
		for _, r := range ranked {
			if len(previews) == e.previewCap {
				break
			}
			previews = append(previews, Preview{
				DriverID: r.driver.ID,
				Rule:     string(rule),
				Name:     r.driver.FullName,
				Score:    r.similarity,
			})
		}
		return outcome{rule: rule, kind: outcomeAmbiguous, previews: previews}
	}

	best := ranked[0]
	return outcome{
		rule:       rule,
		kind:       outcomeMatched,
		driver:     &best.driver,
		score:      score,
		tier:       tier,
		similarity: best.similarity,
	}
}

// filterByWindow keeps roster entries whose enrollment date falls within
// [snapshot - before, snapshot + after] days. Entries without an
// enrollment date, or a candidate without a snapshot date, always pass.
func filterByWindow(hits []DriverRecord, snapshot *time.Time, beforeDays, afterDays int) []DriverRecord {
	if snapshot == nil {
		return hits
	}
	lo := snapshot.AddDate(0, 0, -beforeDays)
	hi := snapshot.AddDate(0, 0, afterDays)

	out := make([]DriverRecord, 0, len(hits))
	for _, h := range hits {
		if h.EnrolledAt == nil || (!h.EnrolledAt.Before(lo) && !h.EnrolledAt.After(hi)) {
			out = append(out, h)
		}
	}
	return out
}

func driverPreviews(rule identity.Rule, hits []DriverRecord, score float64, limit int) []Preview {
	previews := make([]Preview, 0, limit)
	for _, h := range hits {
		if len(previews) == limit {
			break
		}
		previews = append(previews, Preview{
			DriverID: h.ID,
			Rule:     string(rule),
			Name:     h.FullName,
			Score:    score,
		})
	}
	return previews
}
