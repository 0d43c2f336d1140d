package origin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/andes-mobility/attribution-cli/internal/config"
	"github.com/andes-mobility/attribution-cli/internal/identity"
)

// legacyConfidence is assigned to fallback legacy-external origins.
const legacyConfidence = 50

// Decision is the outcome of one determination pass for a person.
type Decision struct {
	PersonID       string         `json:"person_id"`
	Tag            Tag            `json:"origin_tag"`
	SourceTable    string         `json:"source_table,omitempty"`
	SourceRecordID string         `json:"source_record_id,omitempty"`
	Confidence     float64        `json:"confidence"`
	OccurredAt     *time.Time     `json:"occurred_at,omitempty"`
	RequiresReview bool           `json:"requires_review"`
	Evidence       map[string]any `json:"evidence,omitempty"`
}

// Service determines and persists canonical origins.
type Service struct {
	links identity.Store
	store Store

	cutover           time.Time
	conflictThreshold float64
}

// NewService creates a Service. The cutover date separates drivers who
// predate the lead system from those the system should have seen.
func NewService(links identity.Store, store Store, cfg config.OriginConfig) (*Service, error) {
	cutover, err := cfg.CutoverTime()
	if err != nil {
		return nil, err
	}
	return &Service{
		links:             links,
		store:             store,
		cutover:           cutover,
		conflictThreshold: cfg.ConflictThreshold,
	}, nil
}

// Determine selects the canonical origin for a person from its links.
// Returns nil when no origin is determinable (no tagged links and no
// legacy fallback applies).
func (s *Service) Determine(ctx context.Context, personID string) (*Decision, error) {
	links, err := s.links.GetLinksByPerson(ctx, personID)
	if err != nil {
		return nil, err
	}

	byTag := make(map[Tag][]identity.Link)
	var rosterLinks []identity.Link
	for _, l := range links {
		if tag, ok := TagForSource(l.SourceTable); ok {
			byTag[tag] = append(byTag[tag], l)
		} else if l.SourceTable == "driver_roster" {
			rosterLinks = append(rosterLinks, l)
		}
	}

	if len(byTag) == 0 {
		return s.legacyFallback(personID, rosterLinks), nil
	}

	var selectedTag Tag
	for tag := range byTag {
		if selectedTag == "" || tag.Priority() > selectedTag.Priority() {
			selectedTag = tag
		}
	}

	winner := bestLink(byTag[selectedTag])
	selected := winner.WeightedConfidence()

	// Two independently strong, contradictory claims go to a human. Any
	// link of a competing tag can raise the conflict, not just the one
	// that would have won that tag.
	requiresReview := false
	if selected >= s.conflictThreshold {
		for tag, tagLinks := range byTag {
			if tag == selectedTag {
				continue
			}
			if maxWeightedConfidence(tagLinks) >= s.conflictThreshold {
				requiresReview = true
				break
			}
		}
	}

	occurredAt := winner.LinkedAt
	return &Decision{
		PersonID:       personID,
		Tag:            selectedTag,
		SourceTable:    winner.SourceTable,
		SourceRecordID: winner.SourcePK,
		Confidence:     selected,
		OccurredAt:     &occurredAt,
		RequiresReview: requiresReview,
		Evidence:       decisionEvidence(winner, links),
	}, nil
}

// legacyFallback emits a low-confidence legacy-external origin for
// persons known only through roster links that predate the lead system.
func (s *Service) legacyFallback(personID string, rosterLinks []identity.Link) *Decision {
	for _, l := range rosterLinks {
		if l.LinkedAt.Before(s.cutover) {
			occurredAt := l.LinkedAt
			return &Decision{
				PersonID:       personID,
				Tag:            TagLegacyExternal,
				SourceTable:    l.SourceTable,
				SourceRecordID: l.SourcePK,
				Confidence:     legacyConfidence,
				OccurredAt:     &occurredAt,
				Evidence: map[string]any{
					"legacy":     true,
					"driver_pk":  l.SourcePK,
					"linked_at":  l.LinkedAt,
					"cutover_at": s.cutover,
				},
			}
		}
	}
	return nil
}

// bestLink picks the strongest link within one tag: highest match score,
// then highest tier, then earliest link timestamp.
func bestLink(links []identity.Link) identity.Link {
	best := links[0]
	for _, l := range links[1:] {
		switch {
		case l.MatchScore > best.MatchScore:
			best = l
		case l.MatchScore == best.MatchScore && l.Confidence > best.Confidence:
			best = l
		case l.MatchScore == best.MatchScore && l.Confidence == best.Confidence &&
			l.LinkedAt.Before(best.LinkedAt):
			best = l
		}
	}
	return best
}

func maxWeightedConfidence(links []identity.Link) float64 {
	max := 0.0
	for _, l := range links {
		if w := l.WeightedConfidence(); w > max {
			max = w
		}
	}
	return max
}

func decisionEvidence(winner identity.Link, all []identity.Link) map[string]any {
	considered := make([]map[string]any, 0, len(all))
	for _, l := range all {
		considered = append(considered, map[string]any{
			"source_table": l.SourceTable,
			"source_pk":    l.SourcePK,
			"rule":         string(l.MatchRule),
			"score":        l.MatchScore,
			"confidence":   l.Confidence.String(),
			"weighted":     l.WeightedConfidence(),
		})
	}
	return map[string]any{
		"winner": map[string]any{
			"source_table": winner.SourceTable,
			"source_pk":    winner.SourcePK,
			"rule":         string(winner.MatchRule),
			"score":        winner.MatchScore,
			"confidence":   winner.Confidence.String(),
		},
		"considered": considered,
	}
}

// Apply persists a decision. Automatic decisions resolve immediately;
// conflicted ones land in pending review for a human.
func (s *Service) Apply(ctx context.Context, d Decision) error {
	status := StatusResolvedAuto
	if d.RequiresReview {
		status = StatusPendingReview
	}

	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return eris.Wrap(err, "origin: marshal evidence")
	}

	err = s.store.Upsert(ctx, Origin{
		PersonID:         d.PersonID,
		Tag:              d.Tag,
		SourceRecordID:   d.SourceRecordID,
		Confidence:       d.Confidence,
		OccurredAt:       d.OccurredAt,
		ResolutionStatus: status,
		Evidence:         evidence,
		DecidedBy:        ActorSystem,
	}, "automatic determination")
	if err != nil {
		return err
	}

	zap.L().Info("origin decided",
		zap.String("person_id", d.PersonID),
		zap.String("origin_tag", string(d.Tag)),
		zap.Float64("confidence", d.Confidence),
		zap.Bool("requires_review", d.RequiresReview))
	return nil
}

// DetermineAndApply runs determination and persists the result when one
// exists. Returns the decision, or nil when no origin is determinable.
func (s *Service) DetermineAndApply(ctx context.Context, personID string) (*Decision, error) {
	d, err := s.Determine(ctx, personID)
	if err != nil || d == nil {
		return nil, err
	}
	if err := s.Apply(ctx, *d); err != nil {
		return nil, err
	}
	return d, nil
}

// SweepResult summarizes one batch attribution sweep.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Decided   int `json:"decided"`
	Undecided int `json:"undecided"`
}

// DetermineMissing runs determination for every person that has links
// but no decided origin yet, up to limit persons.
func (s *Service) DetermineMissing(ctx context.Context, limit int) (SweepResult, error) {
	ids, err := s.store.PersonsWithoutOrigin(ctx, limit)
	if err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{Scanned: len(ids)}
	for _, id := range ids {
		d, err := s.DetermineAndApply(ctx, id)
		if err != nil {
			return result, eris.Wrapf(err, "origin: sweep person %s", id)
		}
		if d != nil {
			result.Decided++
		} else {
			result.Undecided++
		}
	}

	zap.L().Info("origin sweep finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("decided", result.Decided),
		zap.Int("undecided", result.Undecided))
	return result, nil
}

// Override writes a manual origin decision, bypassing determination.
// Status must be one of the manual resolution statuses.
func (s *Service) Override(ctx context.Context, personID string, tag Tag, status, reason string) error {
	switch status {
	case StatusResolvedManual, StatusMarkedLegacy, StatusDiscarded:
	default:
		return eris.Errorf("origin: status %q is not a manual resolution", status)
	}

	current, err := s.store.Get(ctx, personID)
	if err != nil {
		return err
	}

	// An empty tag keeps whatever is currently decided, which lets
	// discard and mark-legacy work without restating the channel.
	if tag == "" {
		if current == nil {
			return eris.Errorf("origin: person %s has no origin to override", personID)
		}
		tag = current.Tag
	}

	o := Origin{
		PersonID:         personID,
		Tag:              tag,
		Confidence:       100,
		ResolutionStatus: status,
		DecidedBy:        ActorManual,
	}
	if current != nil {
		// Keep the prior supporting record unless the tag changed.
		if current.Tag == tag {
			o.SourceRecordID = current.SourceRecordID
			o.OccurredAt = current.OccurredAt
		}
	}

	return s.store.Upsert(ctx, o, reason)
}
