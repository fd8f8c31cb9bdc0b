package radix

// MatchLongest returns the most specific stored prefix containing the key,
// or nil when nothing matches.
//
// The walk descends by the key's bits to a leaf and scans its duplicate-key
// chain; chain members are exact-key prefixes, so the first one containing
// the key is the longest possible match anywhere in the tree. Failing that,
// it climbs toward the root testing the mask annotations of each branch.
// Annotation prefix lengths nest strictly downward, so the first hit on the
// way up is the longest remaining candidate.
func (t *Tree[V]) MatchLongest(key []byte) *Node[V] {
	pos := t.descend(key)

	for m := pos; m != nil; m = m.dup {
		if !m.root && m.covers(key) {
			return m
		}
	}

	for n := pos.parent; n != nil; n = n.parent {
		for _, m := range n.mlist {
			if m.covers(key) {
				return m
			}
		}
	}

	return nil
}

// Walk visits every stored leaf in ascending key order; prefixes sharing a
// key are visited longest first. A non-nil error from the callback stops the
// walk and is returned.
func (t *Tree[V]) Walk(fn func(*Node[V]) error) error {
	return walkSubtree(t.top, fn)
}

// WalkFrom visits stored leaves in ascending key order, restricted to the
// subtree guarding the region of the given prefix. The callback protocol is
// the same as Walk's: any non-nil error aborts the walk and is passed
// through to the caller, which lets consumers distinguish an ordinary early
// stop from conditions like a format overflow during chunk expansion.
//
// The subtree may include leaves just outside [key, key | ^mask); callers
// filter by key range.
func (t *Tree[V]) WalkFrom(key []byte, plen int, fn func(*Node[V]) error) error {
	n := t.top
	for n.bit >= 0 && int(n.bit) < plen {
		if bitSet(key, n.bit) {
			n = n.right
		} else {
			n = n.left
		}
	}
	return walkSubtree(n, fn)
}

func walkSubtree[V any](n *Node[V], fn func(*Node[V]) error) error {
	if n.bit >= 0 {
		if err := walkSubtree(n.left, fn); err != nil {
			return err
		}
		return walkSubtree(n.right, fn)
	}

	for m := n; m != nil; m = m.dup {
		if m.root {
			continue
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}
