package shard

// MaskedInput rewrites global token ids into shard-local ids for one rank.
//
// Every rank looks up the entire batch but only holds rows for ids inside
// its own slice. Ids outside the slice are clamped to local index 0 so the
// lookup never reads out of bounds; invalid marks them so the caller can
// zero the corresponding output rows before the cross-rank reduction.
//
// For an id the rank owns, the local id is the id minus the slice offset:
// original-vocabulary ids land at [0, NumOrgElements()), added-vocabulary
// ids land after the original slots and the padding gap.
func MaskedInput(ids []int, idx Indices) (local []int, invalid []bool) {
	local = make([]int, len(ids))
	invalid = make([]bool, len(ids))

	if idx.AddedVocabStart == idx.AddedVocabEnd {
		// No added-vocabulary slots on this rank; only the original
		// range needs testing.
		for i, v := range ids {
			if v >= idx.OrgVocabStart && v < idx.OrgVocabEnd {
				local[i] = v - idx.OrgVocabStart
			} else {
				invalid[i] = true
			}
		}
		return local, invalid
	}

	addedOffset := idx.AddedVocabStart - idx.NumOrgElements() - idx.NumOrgVocabPadding
	for i, v := range ids {
		switch {
		case v >= idx.OrgVocabStart && v < idx.OrgVocabEnd:
			local[i] = v - idx.OrgVocabStart
		case v >= idx.AddedVocabStart && v < idx.AddedVocabEnd:
			local[i] = v - addedOffset
		default:
			invalid[i] = true
		}
	}
	return local, invalid
}
