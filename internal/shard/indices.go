// Package shard computes how a padded vocabulary is partitioned across a
// group of cooperating ranks, and rewrites global token ids into
// shard-local ids for masked lookups.
package shard

import (
	"errors"
	"fmt"
)

// DefaultVocabPaddingSize is the alignment applied to vocabulary sizes so
// that every rank's shard width lands on a hardware-friendly boundary.
const DefaultVocabPaddingSize = 64

// ErrConfig is wrapped by every configuration failure in this package.
var ErrConfig = errors.New("invalid shard configuration")

// PadVocabSize rounds size up to the next multiple of pad.
func PadVocabSize(size, pad int) int {
	if pad <= 0 {
		panic("padding size must be positive")
	}
	return ((size + pad - 1) / pad) * pad
}

// Indices describes one rank's slice of the padded vocabulary. All ranges
// are half-open and expressed in global id space. Values are fixed at
// construction and never change afterwards.
//
// The rank's local slot layout is, in order: the original-vocabulary slots,
// then NumOrgVocabPadding unused padding slots, then the added-vocabulary
// slots, then any trailing padding up to NumElementsPadded.
type Indices struct {
	OrgVocabStart   int
	OrgVocabEnd     int
	AddedVocabStart int
	AddedVocabEnd   int

	// NumOrgVocabPadding counts this rank's local slots that fall in the
	// unused gap between the original vocabulary and the added vocabulary.
	NumOrgVocabPadding int

	// NumElementsPadded is the rank's total local shard width. It is the
	// same for every rank in the group.
	NumElementsPadded int
}

// NumOrgElements returns the number of original-vocabulary ids this rank owns.
func (s Indices) NumOrgElements() int { return s.OrgVocabEnd - s.OrgVocabStart }

// NumAddedElements returns the number of added-vocabulary ids this rank owns.
func (s Indices) NumAddedElements() int { return s.AddedVocabEnd - s.AddedVocabStart }

// NumElements returns the number of real (non-padding) ids this rank owns.
func (s Indices) NumElements() int { return s.NumOrgElements() + s.NumAddedElements() }

// Compute determines rank's slice of a padded vocabulary.
//
// The padded vocabulary [0, numEmbeddingsPadded) is split into worldSize
// equal contiguous blocks. Within a rank's block, positions below
// orgVocabSizePadded hold original-vocabulary ids (real ids below
// orgVocabSize, padding above), and positions at or above it hold
// added-vocabulary ids starting at orgVocabSize. The division must be
// exact; callers choose numEmbeddingsPadded so that it is.
func Compute(numEmbeddingsPadded, orgVocabSizePadded, numEmbeddings, orgVocabSize, rank, worldSize int) (Indices, error) {
	switch {
	case worldSize < 1:
		return Indices{}, fmt.Errorf("%w: world size %d", ErrConfig, worldSize)
	case rank < 0 || rank >= worldSize:
		return Indices{}, fmt.Errorf("%w: rank %d outside group of %d", ErrConfig, rank, worldSize)
	case orgVocabSize > numEmbeddings:
		return Indices{}, fmt.Errorf("%w: original vocab %d exceeds total vocab %d", ErrConfig, orgVocabSize, numEmbeddings)
	case orgVocabSize > orgVocabSizePadded:
		return Indices{}, fmt.Errorf("%w: original vocab %d exceeds its padded size %d", ErrConfig, orgVocabSize, orgVocabSizePadded)
	case orgVocabSizePadded > numEmbeddingsPadded:
		return Indices{}, fmt.Errorf("%w: padded original vocab %d exceeds padded total %d", ErrConfig, orgVocabSizePadded, numEmbeddingsPadded)
	}
	numAdded := numEmbeddings - orgVocabSize
	if orgVocabSizePadded+numAdded > numEmbeddingsPadded {
		return Indices{}, fmt.Errorf("%w: added vocab of %d does not fit in padded total %d", ErrConfig, numAdded, numEmbeddingsPadded)
	}
	if numEmbeddingsPadded%worldSize != 0 {
		return Indices{}, fmt.Errorf("%w: padded vocab %d not divisible by world size %d",
			ErrConfig, numEmbeddingsPadded, worldSize)
	}

	perRank := numEmbeddingsPadded / worldSize
	blockStart := rank * perRank
	blockEnd := blockStart + perRank

	idx := Indices{
		OrgVocabStart:      clamp(blockStart, 0, orgVocabSize),
		OrgVocabEnd:        clamp(blockEnd, 0, orgVocabSize),
		NumOrgVocabPadding: overlap(blockStart, blockEnd, orgVocabSize, orgVocabSizePadded),
		NumElementsPadded:  perRank,
	}

	// Added ids occupy padded positions [orgVocabSizePadded,
	// orgVocabSizePadded+numAdded) but are numbered from orgVocabSize.
	addedLo := clamp(blockStart, orgVocabSizePadded, orgVocabSizePadded+numAdded)
	addedHi := clamp(blockEnd, orgVocabSizePadded, orgVocabSizePadded+numAdded)
	idx.AddedVocabStart = orgVocabSize + (addedLo - orgVocabSizePadded)
	idx.AddedVocabEnd = orgVocabSize + (addedHi - orgVocabSizePadded)

	return idx, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// overlap returns the width of the intersection of [aLo, aHi) and [bLo, bHi).
func overlap(aLo, aHi, bLo, bHi int) int {
	lo := aLo
	if bLo > lo {
		lo = bLo
	}
	hi := aHi
	if bHi < hi {
		hi = bHi
	}
	if hi < lo {
		return 0
	}
	return hi - lo
}
