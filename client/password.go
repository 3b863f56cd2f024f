package client

// passwordCandidates enumerates every 2-byte password candidate p with
// p[0]+p[1] == diff, each exactly once: enumerate, without repetition,
// every (a,b) with each nibble <= 9 and a+b == diff for the numeric-only
// phase, plus a general phase covering the rest; the exact numeric-phase
// ordering is implementation-defined.
//
// Ordering chosen here: the numeric-only phase (attempted only when
// diff <= 306, the max reachable with all four nibbles <= 9) walks a
// 4-digit counter (lo0, lo1, hi0, hi1), each digit 0..9, starting at 9
// and counting down — hi1 changes fastest and lo0 slowest, so the low
// nibbles stay saturated against the 9-ceiling longest.
// Each quadruple yields a unique (p0, p1) pair via p = hi*16 + lo, so no
// candidate repeats. The general phase then walks p[0] from
// max(0, diff-0xFF) to min(0xFF, diff), skipping anything the numeric
// phase already covered.
func passwordCandidates(diff int) []uint16 {
	seen := make(map[uint16]bool)
	var out []uint16

	add := func(p0, p1 int) {
		if p0 < 0 || p0 > 0xFF || p1 < 0 || p1 > 0xFF {
			return
		}
		cand := uint16(p0)<<8 | uint16(p1)
		if !seen[cand] {
			seen[cand] = true
			out = append(out, cand)
		}
	}

	const maxNumericDiff = 306
	if diff >= 0 && diff <= maxNumericDiff {
		for lo0 := 9; lo0 >= 0; lo0-- {
			for lo1 := 9; lo1 >= 0; lo1-- {
				for hi0 := 9; hi0 >= 0; hi0-- {
					for hi1 := 9; hi1 >= 0; hi1-- {
						p0 := hi0*16 + lo0
						p1 := hi1*16 + lo1
						if p0+p1 == diff {
							add(p0, p1)
						}
					}
				}
			}
		}
	}

	lo := diff - 0xFF
	if lo < 0 {
		lo = 0
	}
	hi := diff
	if hi > 0xFF {
		hi = 0xFF
	}
	for p0 := lo; p0 <= hi; p0++ {
		p1 := diff - p0
		if p1 < 0 || p1 > 0xFF {
			continue
		}
		add(p0, p1)
	}

	return out
}
