package signer

import (
	"sort"

	"github.com/zeebo/blake3"
)

// SelectionStrategy picks the t participants for a signing request out of
// the currently-available party set (spec §4.E "Participant selection").
// Pluggable so an operator can substitute the hash-based rotation the spec
// calls out as an alternative to the default ascending-first-t policy,
// addressing the load-balancing REDESIGN FLAG directly — the core contract
// only requires that every participant computes the identical set.
type SelectionStrategy interface {
	Select(threshold int, available []uint32, signalID string) []uint32
}

// AscendingStrategy is the spec's default: the first t party ids in
// ascending order that are currently available.
type AscendingStrategy struct{}

func (AscendingStrategy) Select(threshold int, available []uint32, signalID string) []uint32 {
	sorted := sortedCopy(available)
	if len(sorted) < threshold {
		return nil
	}
	return sorted[:threshold]
}

// RotationStrategy spreads signing load across the available set by
// rotating the starting offset deterministically from signalId, rather than
// always picking the same lowest-numbered parties (spec §9's suggested
// alternative).
type RotationStrategy struct{}

func (RotationStrategy) Select(threshold int, available []uint32, signalID string) []uint32 {
	sorted := sortedCopy(available)
	if len(sorted) < threshold {
		return nil
	}
	offset := rotationOffset(signalID, len(sorted))
	rotated := make([]uint32, len(sorted))
	for i := range sorted {
		rotated[i] = sorted[(i+offset)%len(sorted)]
	}
	chosen := append([]uint32(nil), rotated[:threshold]...)
	sort.Slice(chosen, func(i, j int) bool { return chosen[i] < chosen[j] })
	return chosen
}

func rotationOffset(signalID string, n int) int {
	sum := blake3.Sum256([]byte(signalID))
	var acc uint64
	for _, b := range sum[:8] {
		acc = acc<<8 | uint64(b)
	}
	return int(acc % uint64(n))
}

func sortedCopy(ids []uint32) []uint32 {
	out := append([]uint32(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
