// Package match implements the rule cascade that resolves normalized source
// records against the indexed driver roster.
package match

import (
	"time"

	"github.com/andes-mobility/attribution-cli/internal/identity"
)

// Candidate is one raw source record after normalization, ready for the
// rule cascade. Identifier fields are already in canonical form; empty
// means absent.
type Candidate struct {
	SourceTable  string
	SourcePK     string
	Scope        string // operator home scope; "" widens every lookup to global
	SnapshotDate *time.Time

	PhoneLoose string
	PhoneFull  string
	License    string
	Plate      string
	FullName   string
	Brand      string
	Model      string
}

// Preview is a capped glimpse of one competing candidate, persisted as
// diagnostic evidence on ambiguous outcomes.
type Preview struct {
	DriverID string  `json:"driver_id,omitempty"`
	PersonID string  `json:"person_id,omitempty"`
	Rule     string  `json:"rule,omitempty"`
	Name     string  `json:"name,omitempty"`
	Score    float64 `json:"score"`
}

// defaultMaxPreviews caps how many competing candidates are recorded as
// evidence when the config does not say otherwise.
const defaultMaxPreviews = 3

// Resolution is the reconciled verdict for one candidate.
type Resolution struct {
	// Matched is true when the cascade resolved a unique person.
	Matched bool

	PersonID   string
	Rule       identity.Rule
	Score      float64
	Confidence identity.Tier
	Evidence   map[string]any

	// When Matched is false:
	Reason  identity.Reason
	Details map[string]any
}
