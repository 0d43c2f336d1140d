// Package origin decides which acquisition channel gets canonical credit
// for a person, and keeps an append-only audit trail of every decision.
package origin

import (
	"time"

	"github.com/rotisserie/eris"
)

// Tag is a canonical acquisition channel.
type Tag string

const (
	TagCabinetLead       Tag = "CABINET_LEAD"
	TagScoutRegistration Tag = "SCOUT_REGISTRATION"
	TagMigration         Tag = "MIGRATION"
	TagLegacyExternal    Tag = "LEGACY_EXTERNAL"
)

// Priority orders tags for tie-breaking. Higher wins. Legacy-external is
// never selected competitively, only emitted as a fallback.
func (t Tag) Priority() int {
	switch t {
	case TagCabinetLead:
		return 3
	case TagScoutRegistration:
		return 2
	case TagMigration:
		return 1
	default:
		return 0
	}
}

// ParseTag validates a tag string from the API boundary.
func ParseTag(s string) (Tag, error) {
	switch Tag(s) {
	case TagCabinetLead, TagScoutRegistration, TagMigration, TagLegacyExternal:
		return Tag(s), nil
	default:
		return "", eris.Errorf("origin: unknown origin tag %q", s)
	}
}

// sourceTags maps a link's source table to its acquisition channel.
// Roster links carry identity evidence but no channel of their own.
var sourceTags = map[string]Tag{
	"cabinet_leads":       TagCabinetLead,
	"scout_registrations": TagScoutRegistration,
	"migrated_drivers":    TagMigration,
}

// TagForSource returns the channel a source table attributes to, and
// whether it attributes at all.
func TagForSource(sourceTable string) (Tag, bool) {
	t, ok := sourceTags[sourceTable]
	return t, ok
}

// Resolution statuses.
const (
	StatusPendingReview  = "PENDING_REVIEW"
	StatusResolvedAuto   = "RESOLVED_AUTO"
	StatusResolvedManual = "RESOLVED_MANUAL"
	StatusMarkedLegacy   = "MARKED_LEGACY"
	StatusDiscarded      = "DISCARDED"
)

// Decision actors.
const (
	ActorSystem = "system"
	ActorManual = "manual"
)

// Origin is the one-per-person record of the decided channel.
type Origin struct {
	ID               int64      `json:"id" db:"id"`
	PersonID         string     `json:"person_id" db:"person_id"`
	Tag              Tag        `json:"origin_tag" db:"origin_tag"`
	SourceRecordID   string     `json:"source_record_id,omitempty" db:"source_record_id"`
	Confidence       float64    `json:"confidence" db:"confidence"`
	OccurredAt       *time.Time `json:"occurred_at,omitempty" db:"occurred_at"`
	ResolutionStatus string     `json:"resolution_status" db:"resolution_status"`
	Evidence         []byte     `json:"evidence,omitempty" db:"evidence"` // JSONB
	DecidedBy        string     `json:"decided_by" db:"decided_by"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// HistoryEntry is one immutable row of the origin audit trail.
type HistoryEntry struct {
	ID               int64     `json:"id" db:"id"`
	PersonID         string    `json:"person_id" db:"person_id"`
	PrevTag          *Tag      `json:"prev_tag,omitempty" db:"prev_tag"`
	NewTag           Tag       `json:"new_tag" db:"new_tag"`
	PrevSourceID     *string   `json:"prev_source_id,omitempty" db:"prev_source_id"`
	NewSourceID      string    `json:"new_source_id,omitempty" db:"new_source_id"`
	PrevConfidence   *float64  `json:"prev_confidence,omitempty" db:"prev_confidence"`
	NewConfidence    float64   `json:"new_confidence" db:"new_confidence"`
	ResolutionStatus string    `json:"resolution_status" db:"resolution_status"`
	Reason           string    `json:"reason,omitempty" db:"reason"`
	Actor            string    `json:"actor" db:"actor"`
	ChangedAt        time.Time `json:"changed_at" db:"changed_at"`
}
