// Package batch splits ordered record streams into delivery units.
//
// Every function here preserves input order and neither drops nor
// duplicates items. Chunk and ChunkByWeight return capacity-clipped
// sub-slices of the input rather than copies.
package batch

// Chunk splits items into consecutive groups of exactly n; the final group
// holds the remainder. A non-positive n yields a single chunk.
func Chunk[T any](items []T, n int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if n <= 0 || n >= len(items) {
		return [][]T{items}
	}

	out := make([][]T, 0, (len(items)+n-1)/n)
	for start := 0; start < len(items); start += n {
		end := min(start+n, len(items))
		out = append(out, items[start:end:end])
	}
	return out
}

// ChunkByWeight accumulates items into a chunk until adding the next item
// would push the summed weight above target, then starts a new chunk. An
// item whose own weight exceeds target is emitted as a chunk by itself.
// A non-positive target yields a single chunk.
func ChunkByWeight[T any](items []T, target int, weight func(T) int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if target <= 0 {
		return [][]T{items}
	}

	var out [][]T
	start, sum := 0, 0
	for i, item := range items {
		w := weight(item)
		if i > start && sum+w > target {
			out = append(out, items[start:i:i])
			start, sum = i, 0
		}
		sum += w
	}
	out = append(out, items[start:len(items):len(items)])
	return out
}

// Group is one partition produced by GroupBy.
type Group[K comparable, T any] struct {
	Key   K
	Items []T
}

// GroupBy partitions items by key. Groups appear in the order their key is
// first seen and items keep their relative order within a group.
func GroupBy[K comparable, T any](items []T, key func(T) K) []Group[K, T] {
	if len(items) == 0 {
		return nil
	}

	index := make(map[K]int)
	var groups []Group[K, T]
	for _, item := range items {
		k := key(item)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, Group[K, T]{Key: k})
		}
		groups[i].Items = append(groups[i].Items, item)
	}
	return groups
}
