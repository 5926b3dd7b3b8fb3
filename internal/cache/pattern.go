package cache

import "strings"

// Wildcard is the pattern segment that matches exactly one key segment.
const Wildcard = "*"

func isDelimiter(b byte) bool {
	return b == ':' || b == '.'
}

// splitSegments splits s on ':' and '.' and returns the segments together
// with the delimiter that followed each segment but the last.
func splitSegments(s string) ([]string, []byte) {
	var (
		segments []string
		delims   []byte
		start    int
	)
	for i := 0; i < len(s); i++ {
		if isDelimiter(s[i]) {
			segments = append(segments, s[start:i])
			delims = append(delims, s[i])
			start = i + 1
		}
	}
	segments = append(segments, s[start:])
	return segments, delims
}

// MatchPattern reports whether key matches a segment-aware wildcard pattern.
//
// Segments are separated by ':' or '.', and delimiters must match exactly.
// A "*" segment matches one key segment. When "*" is the final pattern
// segment it matches all remaining key segments, so "user1:*" matches
// "user1:ui.theme:global".
func MatchPattern(pattern, key string) bool {
	if pattern == key {
		return true
	}
	pSegs, pDelims := splitSegments(pattern)
	kSegs, kDelims := splitSegments(key)

	for i, seg := range pSegs {
		if i >= len(kSegs) {
			return false
		}
		if i > 0 && pDelims[i-1] != kDelims[i-1] {
			return false
		}
		if seg == Wildcard {
			if i == len(pSegs)-1 {
				return true
			}
			continue
		}
		if seg != kSegs[i] {
			return false
		}
	}
	return len(kSegs) == len(pSegs)
}

// HasWildcard reports whether pattern contains a wildcard segment
func HasWildcard(pattern string) bool {
	segs, _ := splitSegments(pattern)
	for _, seg := range segs {
		if seg == Wildcard {
			return true
		}
	}
	return false
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// redisGlob converts a segment pattern into a Redis SCAN MATCH glob. The glob
// is a superset of the pattern: Redis '*' also spans delimiters, so callers
// filter SCAN results with MatchPattern.
func redisGlob(pattern string) string {
	segs, delims := splitSegments(pattern)
	var b strings.Builder
	for i, seg := range segs {
		if i > 0 {
			b.WriteByte(delims[i-1])
		}
		if seg == Wildcard {
			b.WriteString("*")
			continue
		}
		b.WriteString(globEscaper.Replace(seg))
	}
	return b.String()
}
