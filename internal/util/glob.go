package util

// MatchGlob reports whether s matches the Redis-style glob pattern.
// Supported: '*' (any run), '?' (one byte), '[abc]', '[a-z]', '[^x]', and '\' escapes.
// This is the same dialect SCAN ... MATCH understands, so in-process tiers and
// test doubles select exactly the keys the remote tier would.
func MatchGlob(pattern, s string) bool {
	p, i := 0, 0
	starP, starI := -1, 0
	for i < len(s) {
		if p < len(pattern) {
			switch pattern[p] {
			case '*':
				starP, starI = p, i
				p++
				continue
			case '?':
				p++
				i++
				continue
			case '[':
				if ok, next := matchClass(pattern, p, s[i]); next > 0 {
					if ok {
						p = next
						i++
						continue
					}
					break
				}
				if s[i] == '[' {
					p++
					i++
					continue
				}
			case '\\':
				if p+1 < len(pattern) && pattern[p+1] == s[i] {
					p += 2
					i++
					continue
				}
			default:
				if pattern[p] == s[i] {
					p++
					i++
					continue
				}
			}
		}
		if starP < 0 {
			return false
		}
		starI++
		p, i = starP+1, starI
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// matchClass evaluates the bracket expression starting at pattern[p] == '['.
// next is the index after the closing ']' or 0 if the class is unterminated.
func matchClass(pattern string, p int, c byte) (ok bool, next int) {
	j := p + 1
	negate := false
	if j < len(pattern) && pattern[j] == '^' {
		negate = true
		j++
	}
	matched := false
	for j < len(pattern) && pattern[j] != ']' {
		lo := pattern[j]
		if lo == '\\' && j+1 < len(pattern) {
			j++
			lo = pattern[j]
		}
		hi := lo
		if j+2 < len(pattern) && pattern[j+1] == '-' && pattern[j+2] != ']' {
			hi = pattern[j+2]
			j += 2
			if lo > hi {
				lo, hi = hi, lo
			}
		}
		if c >= lo && c <= hi {
			matched = true
		}
		j++
	}
	if j >= len(pattern) {
		return false, 0
	}
	return matched != negate, j + 1
}

// HasGlobMeta reports whether pattern contains any unescaped glob metacharacter.
func HasGlobMeta(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			i++
		case '*', '?', '[':
			return true
		}
	}
	return false
}
