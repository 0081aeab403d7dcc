package itemstore

import "strconv"

// maxUint64 is the saturation ceiling for incr overflow.
const maxUint64 = ^uint64(0)

// parseUintSaturating reads a decimal unsigned integer from the front of
// b. A non-digit prefix parses as zero; overflow saturates at maxUint64
// rather than wrapping, so a malformed stored value can never crash the
// arithmetic path.
func parseUintSaturating(b []byte) uint64 {
	var n uint64
	var sawDigit bool
	for _, c := range b {
		if c < '0' || c > '9' {
			break
		}
		sawDigit = true
		d := uint64(c - '0')
		if n > (maxUint64-d)/10 {
			return maxUint64
		}
		n = n*10 + d
	}
	if !sawDigit {
		return 0
	}
	return n
}

// Arithmetic implements incr/decr: fetch, parse the
// stored value as decimal, add or subtract delta (decr saturates at
// zero), and either mutate in place (fits the existing slot and no
// outstanding borrow) or allocate-and-replace. Returns the formatted
// value and whether a live item was found.
func (s *Store) Arithmetic(key []byte, delta uint64, incr bool) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.index.find(key)
	if it == nil || it.deleteLocked {
		return "", false
	}
	if s.clk.Expired(it.ExpireAt, it.CreatedAt) {
		s.unlinkLocked(it, "expired")
		return "", false
	}

	cur := parseUintSaturating(it.Value)
	var next uint64
	if incr {
		next = cur + delta
		if next < cur {
			next = maxUint64
		}
	} else if delta > cur {
		next = 0
	} else {
		next = cur - delta
	}
	formatted := strconv.FormatUint(next, 10)

	if len(formatted) <= cap(it.Value) && it.refcount == 1 {
		it.Value = it.Value[:len(formatted)]
		copy(it.Value, formatted)
		s.touchLocked(it)
		return formatted, true
	}

	replacement := newItem(append([]byte(nil), it.Key...), []byte(formatted), it.Flags, it.ExpireAt, it.CreatedAt)
	if !s.reserve(replacement.sizeClass, replacement.size) {
		return "", false
	}
	s.unlinkLocked(it, "replaced")
	s.linkLocked(replacement)
	return formatted, true
}
