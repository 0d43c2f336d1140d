// Package identity defines the canonical Person registry and the Link and
// Unmatched facts that bind raw source records to it.
package identity

import (
	"time"

	"github.com/rotisserie/eris"
)

// Tier is the evidentiary confidence of a match or person.
type Tier int

const (
	TierLow Tier = iota + 1
	TierMedium
	TierHigh
)

// String returns the stable persistence encoding of the tier.
func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "HIGH"
	case TierMedium:
		return "MEDIUM"
	case TierLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// ParseTier converts a stored tier string back into a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "HIGH":
		return TierHigh, nil
	case "MEDIUM":
		return TierMedium, nil
	case "LOW":
		return TierLow, nil
	default:
		return 0, eris.Errorf("identity: unknown confidence tier %q", s)
	}
}

// Weight returns the multiplier applied to a match score when computing
// weighted confidence for origin determination.
func (t Tier) Weight() float64 {
	switch t {
	case TierHigh:
		return 1.0
	case TierMedium:
		return 0.85
	default:
		return 0.70
	}
}

// Rule identifies a matching rule in the cascade.
type Rule string

// Matching rules, ordered by priority.
const (
	RulePhoneExact    Rule = "R1_PHONE_EXACT"
	RuleLicenseExact  Rule = "R2_LICENSE_EXACT"
	RulePlateName     Rule = "R3_PLATE_NAME"
	RulePlateNameWide Rule = "R3B_PLATE_NAME_NO_WINDOW"
	RuleVehicleName   Rule = "R4_VEHICLE_NAME"

	// RuleRosterIdentity marks the synthetic link between a roster driver
	// and the person minted from it.
	RuleRosterIdentity Rule = "ROSTER_IDENTITY"
)

// Reason explains why a record could not be resolved.
type Reason string

const (
	ReasonNoCandidates       Reason = "NO_CANDIDATES"
	ReasonMultipleCandidates Reason = "MULTIPLE_CANDIDATES"
	ReasonWeakMatchOnly      Reason = "WEAK_MATCH_ONLY"
	ReasonMissingKeys        Reason = "MISSING_KEYS"
	ReasonError              Reason = "ERROR"
)

// Person is the canonical deduplicated identity. Fields are filled
// opportunistically and never overwritten once set; the confidence tier
// only moves upward.
type Person struct {
	ID         string    `json:"id" db:"id"`
	Confidence Tier      `json:"confidence" db:"confidence"`
	Phone      string    `json:"phone,omitempty" db:"phone"`
	License    string    `json:"license,omitempty" db:"license"`
	FullName   string    `json:"full_name,omitempty" db:"full_name"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Link records that one raw source record resolved to a Person. At most one
// Link exists per (source_table, source_pk); re-processing updates it.
type Link struct {
	ID           int64      `json:"id" db:"id"`
	PersonID     string     `json:"person_id" db:"person_id"`
	SourceTable  string     `json:"source_table" db:"source_table"`
	SourcePK     string     `json:"source_pk" db:"source_pk"`
	SnapshotDate *time.Time `json:"snapshot_date,omitempty" db:"snapshot_date"`
	MatchRule    Rule       `json:"match_rule" db:"match_rule"`
	MatchScore   float64    `json:"match_score" db:"match_score"`
	Confidence   Tier       `json:"confidence" db:"confidence"`
	Evidence     []byte     `json:"evidence,omitempty" db:"evidence"` // JSONB
	LinkedAt     time.Time  `json:"linked_at" db:"linked_at"`
	RunID        *int64     `json:"run_id,omitempty" db:"run_id"`
}

// WeightedConfidence is the match score scaled by the tier weight, the
// figure origin determination compares against its conflict threshold.
func (l Link) WeightedConfidence() float64 {
	return l.MatchScore * l.Confidence.Weight()
}

// Unmatched records that a raw source record could not be resolved. Deleted
// when a later run links the same record.
type Unmatched struct {
	ID           int64      `json:"id" db:"id"`
	SourceTable  string     `json:"source_table" db:"source_table"`
	SourcePK     string     `json:"source_pk" db:"source_pk"`
	SnapshotDate *time.Time `json:"snapshot_date,omitempty" db:"snapshot_date"`
	Reason       Reason     `json:"reason" db:"reason"`
	Details      []byte     `json:"details,omitempty" db:"details"` // JSONB
	Status       string     `json:"status" db:"status"`
	RecordedAt   time.Time  `json:"recorded_at" db:"recorded_at"`
	RunID        *int64     `json:"run_id,omitempty" db:"run_id"`
}

// Unmatched statuses.
const (
	UnmatchedOpen     = "OPEN"
	UnmatchedResolved = "RESOLVED"
)
