package identity

// MergePerson folds newly observed identifiers into an existing person.
// Already-set fields win over incoming values, so the first source to
// supply an identifier fixes it. The confidence tier rises only when the
// new evidence is HIGH and the stored tier is not, so weaker evidence can
// never promote (or demote) a person. Returns the merged person and
// whether anything changed.
func MergePerson(existing, incoming Person) (Person, bool) {
	merged := existing
	changed := false

	if merged.Phone == "" && incoming.Phone != "" {
		merged.Phone = incoming.Phone
		changed = true
	}
	if merged.License == "" && incoming.License != "" {
		merged.License = incoming.License
		changed = true
	}
	if merged.FullName == "" && incoming.FullName != "" {
		merged.FullName = incoming.FullName
		changed = true
	}
	if incoming.Confidence == TierHigh && merged.Confidence != TierHigh {
		merged.Confidence = TierHigh
		changed = true
	}

	return merged, changed
}
