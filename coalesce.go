package spoolcache

// The coalescer reduces one drained batch before it hits the backend:
// redundant operations on the same key collapse, compatible operations
// across keys fuse into bulk calls. Per-caller observable behavior must
// stay identical to executing the original batch sequentially, which the
// partitioning guarantees by never reordering two operations that share an
// operation key. Descriptors spanning several keys are ordered by their
// first key only.

// bucketID partitions descriptors for coalescing. The null bucket holds the
// keyless kinds so they keep mutual order without blocking key merges.
type bucketID struct {
	null bool
	key  string
}

func opBucket(o *op) bucketID {
	switch o.kind {
	case KindInsert:
		return bucketID{key: o.elems[0].Key}
	case KindSelectKeys, KindInvalidateKeys:
		return bucketID{key: o.keys[0]}
	case KindSelectType, KindInvalidateType:
		return bucketID{key: o.types[0]}
	default: // NoOp, DeleteExpired, Vacuum
		return bucketID{null: true}
	}
}

// fusable kinds both collapse in same-key runs and fuse across keys into
// one bulk descriptor per dispatch round.
func fusable(k Kind) bool {
	switch k {
	case KindInsert, KindSelectKeys, KindInvalidateKeys:
		return true
	}
	return false
}

// coalesceBatch reduces a drained batch. The input slice is not reused.
//
// Batches of one, and batches containing a global-scope operation (AllKeys,
// InvalidateAll), pass through untouched: reordering around an operation
// that observes or clears every key is unsafe.
func coalesceBatch(batch []*op) []*op {
	if len(batch) <= 1 {
		return batch
	}
	for _, o := range batch {
		if o.kind == KindAllKeys || o.kind == KindInvalidateAll {
			return batch
		}
	}

	type bucket struct {
		id  bucketID
		ops []*op
	}
	index := make(map[bucketID]int, len(batch))
	var buckets []*bucket
	for _, o := range batch {
		id := opBucket(o)
		i, ok := index[id]
		if !ok {
			i = len(buckets)
			index[id] = i
			buckets = append(buckets, &bucket{id: id})
		}
		buckets[i].ops = append(buckets[i].ops, o)
	}

	for _, b := range buckets {
		if !b.id.null {
			b.ops = collapseRuns(b.ops)
		}
	}

	// Rebuild: one head per bucket per round, buckets in first-appearance
	// order, bulk kinds fused within each round.
	var out []*op
	for {
		var round []*op
		for _, b := range buckets {
			if len(b.ops) == 0 {
				continue
			}
			round = append(round, b.ops[0])
			b.ops = b.ops[1:]
		}
		if len(round) == 0 {
			return out
		}
		out = append(out, fuseRound(round)...)
	}
}

// collapseRuns merges consecutive same-kind runs of the fusable kinds inside
// one bucket. The merged payload keeps last-write-wins semantics for inserts
// and an order-preserving union for key lists; every folded caller's
// completion stays attached.
func collapseRuns(ops []*op) []*op {
	out := make([]*op, 0, len(ops))
	i := 0
	for i < len(ops) {
		o := ops[i]
		j := i + 1
		if fusable(o.kind) {
			for j < len(ops) && ops[j].kind == o.kind {
				j++
			}
		}
		if j == i+1 {
			out = append(out, o)
		} else {
			out = append(out, mergeOps(o.kind, ops[i:j]))
		}
		i = j
	}
	return out
}

// fuseRound fuses same-kind bulk operations across buckets into one
// descriptor per kind. Kinds appearing once, and the non-bulk kinds, pass
// through in round order; a fused descriptor sits at its kind's first
// position in the round.
func fuseRound(round []*op) []*op {
	if len(round) <= 1 {
		return round
	}
	counts := make(map[Kind]int, 3)
	for _, o := range round {
		if fusable(o.kind) {
			counts[o.kind]++
		}
	}

	out := make([]*op, 0, len(round))
	fused := make(map[Kind]int, len(counts))
	for _, o := range round {
		if !fusable(o.kind) || counts[o.kind] < 2 {
			out = append(out, o)
			continue
		}
		if i, ok := fused[o.kind]; ok {
			out[i] = mergeOps(o.kind, []*op{out[i], o})
			continue
		}
		fused[o.kind] = len(out)
		out = append(out, o)
	}
	return out
}

// mergeOps folds run (oldest first) into a fresh representative descriptor.
func mergeOps(kind Kind, run []*op) *op {
	rep := &op{kind: kind}
	for _, o := range run {
		rep.dones = append(rep.dones, o.dones...)
		if o.tries > rep.tries {
			rep.tries = o.tries
		}
		switch kind {
		case KindInsert:
			rep.elems = append(rep.elems, o.elems...)
		default:
			rep.keys = append(rep.keys, o.keys...)
		}
	}
	switch kind {
	case KindInsert:
		rep.elems = dedupLastElems(rep.elems)
	default:
		rep.keys = dedupKeys(rep.keys)
	}
	return rep
}

// dedupLastElems keeps the last occurrence per key, positioned where that
// occurrence sat.
func dedupLastElems(elems []Element) []Element {
	seen := make(map[string]struct{}, len(elems))
	out := make([]Element, 0, len(elems))
	for i := len(elems) - 1; i >= 0; i-- {
		if _, ok := seen[elems[i].Key]; ok {
			continue
		}
		seen[elems[i].Key] = struct{}{}
		out = append(out, elems[i])
	}
	// restore forward order
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

// dedupKeys keeps the first occurrence of each key.
func dedupKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
