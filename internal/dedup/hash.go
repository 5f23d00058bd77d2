package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// hashSeparator keeps ("ab","c") and ("a","bc") from colliding.
const hashSeparator = "\x00--after--\x00"

// CodeHash hashes the verbatim before and after text.
func CodeHash(before, after string) string {
	h := sha256.New()
	h.Write([]byte(before))
	h.Write([]byte(hashSeparator))
	h.Write([]byte(after))
	return hex.EncodeToString(h.Sum(nil))
}

// SemanticHash hashes the normalized form of after.
func SemanticHash(after string) string {
	sum := sha256.Sum256([]byte(Normalize(after)))
	return hex.EncodeToString(sum[:])
}

// Normalize strips line comments and collapses whitespace so that
// formatting-only edits hash identically. Blank lines are dropped.
func Normalize(code string) string {
	lines := strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = stripComment(line)
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// stripComment removes a trailing // or # comment that is not inside a
// string literal.
func stripComment(line string) string {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'' || c == '`':
			quote = c
		case c == '#':
			return line[:i]
		case c == '/' && i+1 < len(line) && line[i+1] == '/':
			return line[:i]
		}
	}
	return line
}

// Similarity is the Jaccard index over the sets of exact lines of a and b.
// Two empty inputs are identical.
func Similarity(a, b string) float64 {
	setA := lineSet(a)
	setB := lineSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	inter := 0
	for l := range setA {
		if _, ok := setB[l]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func lineSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	s = strings.TrimSuffix(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	if s == "" {
		return set
	}
	for _, l := range strings.Split(s, "\n") {
		set[l] = struct{}{}
	}
	return set
}
