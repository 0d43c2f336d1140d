package normalize

// Similarity scores how alike two raw personal names are, in [0,1]. Both
// names are normalized first, then scored by token-set overlap with a
// normalized edit-distance fallback for short or single-token names. The
// function is symmetric and deterministic, which the rule cascade relies
// on when ranking candidates.
func Similarity(a, b string) float64 {
	na, nb := Name(a), Name(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}

	token := tokenOverlap(NameTokens(na), NameTokens(nb))
	edit := editSimilarity(na, nb)

	if token > edit {
		return token
	}
	return edit
}

// tokenOverlap computes Jaccard overlap between two token sets.
func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}

	union := len(set)
	shared := 0
	for _, t := range b {
		if set[t] {
			shared++
			delete(set, t) // count duplicates once
		} else {
			union++
		}
	}

	return float64(shared) / float64(union)
}

// editSimilarity converts Levenshtein distance into a similarity in [0,1].
func editSimilarity(a, b string) float64 {
	dist := levenshtein(a, b)
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(dist)/float64(longest)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = minInt(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func minInt(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
