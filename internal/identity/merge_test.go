package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergePerson_FillsEmptyFields(t *testing.T) {
	existing := Person{ID: "p1", Confidence: TierMedium, Phone: "987654321"}
	incoming := Person{License: "Q12345678", FullName: "JUAN PEREZ"}

	merged, changed := MergePerson(existing, incoming)

	assert.True(t, changed)
	assert.Equal(t, "987654321", merged.Phone)
	assert.Equal(t, "Q12345678", merged.License)
	assert.Equal(t, "JUAN PEREZ", merged.FullName)
}

func TestMergePerson_FirstValueWins(t *testing.T) {
	existing := Person{ID: "p1", Confidence: TierHigh, Phone: "987654321", FullName: "JUAN PEREZ"}
	incoming := Person{Phone: "911111111", FullName: "JUAN P PEREZ"}

	merged, changed := MergePerson(existing, incoming)

	assert.False(t, changed)
	assert.Equal(t, "987654321", merged.Phone)
	assert.Equal(t, "JUAN PEREZ", merged.FullName)
}

func TestMergePerson_ConfidenceRisesOnHighEvidence(t *testing.T) {
	existing := Person{ID: "p1", Confidence: TierMedium}

	merged, changed := MergePerson(existing, Person{Confidence: TierHigh})
	assert.True(t, changed)
	assert.Equal(t, TierHigh, merged.Confidence)

	merged, changed = MergePerson(merged, Person{Confidence: TierLow})
	assert.False(t, changed)
	assert.Equal(t, TierHigh, merged.Confidence)
}

func TestMergePerson_WeakEvidenceNeverPromotes(t *testing.T) {
	existing := Person{ID: "p1", Confidence: TierLow}

	merged, changed := MergePerson(existing, Person{Confidence: TierMedium})
	assert.False(t, changed)
	assert.Equal(t, TierLow, merged.Confidence)
}

func TestTier_Roundtrip(t *testing.T) {
	for _, tier := range []Tier{TierLow, TierMedium, TierHigh} {
		parsed, err := ParseTier(tier.String())
		assert.NoError(t, err)
		assert.Equal(t, tier, parsed)
	}

	_, err := ParseTier("BOGUS")
	assert.Error(t, err)
}

func TestLink_WeightedConfidence(t *testing.T) {
	assert.InDelta(t, 95.0, Link{MatchScore: 95, Confidence: TierHigh}.WeightedConfidence(), 0.001)
	assert.InDelta(t, 72.25, Link{MatchScore: 85, Confidence: TierMedium}.WeightedConfidence(), 0.001)
	assert.InDelta(t, 52.5, Link{MatchScore: 75, Confidence: TierLow}.WeightedConfidence(), 0.001)
}
