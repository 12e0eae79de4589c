// Package similarity scores how alike two pieces of drawing text are, with
// knowledge of structural component marks and common OCR confusions.
package similarity

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/adverant/nexus/drawing-worker/internal/model"
)

// confusionCost is the substitution cost between characters OCR engines
// commonly mix up.
const confusionCost = 0.3

var confusable = map[[2]rune]bool{}

var letterForDigit = map[rune]rune{'0': 'O', '1': 'I', '2': 'Z', '5': 'S', '6': 'G', '8': 'B'}
var digitForLetter = map[rune]rune{'O': '0', 'Q': '0', 'D': '0', 'I': '1', 'L': '1', 'Z': '2', 'S': '5', 'G': '6', 'B': '8'}

func init() {
	pairs := [][2]rune{{'0', 'O'}, {'0', 'Q'}, {'0', 'D'}, {'1', 'I'}, {'1', 'L'}, {'I', 'L'}, {'2', 'Z'}, {'5', 'S'}, {'6', 'G'}, {'8', 'B'}}
	for _, p := range pairs {
		confusable[p] = true
		confusable[[2]rune{p[1], p[0]}] = true
	}
}

// prefixTypes is the structural mark dictionary: the letter prefix of a
// component id identifies its type.
var prefixTypes = map[string]model.ComponentType{
	// columns
	"KZ": model.ComponentColumn, "Z": model.ComponentColumn, "XZ": model.ComponentColumn,
	"LZ": model.ComponentColumn, "QZ": model.ComponentColumn, "GZ": model.ComponentColumn,
	"KZZ": model.ComponentColumn, "TZ": model.ComponentColumn, "YBZ": model.ComponentColumn,
	"GBZ": model.ComponentColumn, "AZ": model.ComponentColumn,
	// beams
	"KL": model.ComponentBeam, "WKL": model.ComponentBeam, "L": model.ComponentBeam,
	"LL": model.ComponentBeam, "XL": model.ComponentBeam, "KZL": model.ComponentBeam,
	"JZL": model.ComponentBeam, "BKL": model.ComponentBeam, "AL": model.ComponentBeam,
	"TL": model.ComponentBeam,
	// walls
	"Q": model.ComponentWall, "DQ": model.ComponentWall, "WQ": model.ComponentWall,
	// slabs
	"B": model.ComponentSlab, "LB": model.ComponentSlab, "WB": model.ComponentSlab,
	"XB": model.ComponentSlab, "YB": model.ComponentSlab, "TB": model.ComponentSlab,
	// foundations
	"J": model.ComponentFoundation, "DJ": model.ComponentFoundation, "DJJ": model.ComponentFoundation,
	"DJP": model.ComponentFoundation, "CT": model.ComponentFoundation, "JC": model.ComponentFoundation,
	"ZJ": model.ComponentFoundation, "JL": model.ComponentFoundation, "TJ": model.ComponentFoundation,
}

var prefixesByLength = func() []string {
	out := make([]string, 0, len(prefixTypes))
	for p := range prefixTypes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}()

// Dictionary implements construction-term similarity.
type Dictionary struct {
	Threshold float64 // Same() accepts pairs scoring at least this
}

// NewDictionary returns a dictionary with the given match threshold.
func NewDictionary(threshold float64) *Dictionary {
	return &Dictionary{Threshold: threshold}
}

// Normalize folds width variants, upper-cases, and strips separators that
// drawings use inconsistently ("KZ-1", "KZ 1", "ＫＺ１").
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsSpace(r), r == '-', r == '_', r == '.', r == '·', r == '/', r == '(', r == ')':
			continue
		case r == '×', r == '*':
			b.WriteRune('X')
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// Similarity returns 1 - weightedEditDistance/maxLen over normalized text.
func (d *Dictionary) Similarity(a, b string) float64 {
	ra, rb := []rune(Normalize(a)), []rune(Normalize(b))
	if len(ra) == 0 && len(rb) == 0 {
		return 1
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	dist := editDistance(ra, rb)
	longest := float64(max(len(ra), len(rb)))
	s := 1 - dist/longest
	if s < 0 {
		return 0
	}
	return s
}

// Same reports whether two component marks denote the same element mark.
// Marks that both parse as prefix plus serial match only on equal canonical
// forms; a differing serial is a different element however long the mark.
func (d *Dictionary) Same(a, b string) bool {
	ca, okA := parse(a)
	cb, okB := parse(b)
	if ca == "" || cb == "" {
		return false
	}
	if ca == cb {
		return true
	}
	if okA && okB {
		return false
	}
	return d.Similarity(a, b) >= d.Threshold
}

// Canonical returns the normalized component mark with OCR confusions
// resolved: letters in the prefix, digits in the serial ("K21" -> "KZ1").
func (d *Dictionary) Canonical(id string) string {
	c, _ := parse(id)
	return c
}

// parse canonicalizes id and reports whether it split into a dictionary
// prefix and a serial.
func parse(id string) (string, bool) {
	n := []rune(Normalize(id))
	if len(n) == 0 {
		return "", false
	}
	prefix, ok := matchPrefix(n, true)
	if !ok {
		prefix, ok = matchPrefix(n, false)
	}
	if !ok {
		return string(n), false
	}
	var b strings.Builder
	b.WriteString(prefix)
	for _, r := range n[len([]rune(prefix)):] {
		if dgt, ok := digitForLetter[r]; ok {
			r = dgt
		}
		b.WriteRune(r)
	}
	return b.String(), true
}

// TypeOf infers the component type from a mark's prefix.
func (d *Dictionary) TypeOf(id string) model.ComponentType {
	c := []rune(d.Canonical(id))
	if p, ok := matchPrefix(c, true); ok {
		return prefixTypes[p]
	}
	return model.ComponentOther
}

// IsComponentMark reports whether s looks like a component mark: a known
// prefix followed by a serial that starts with a digit.
func (d *Dictionary) IsComponentMark(s string) bool {
	c := []rune(d.Canonical(s))
	p, ok := matchPrefix(c, true)
	if !ok {
		return false
	}
	rest := c[len([]rune(p)):]
	return len(rest) > 0 && unicode.IsDigit(rest[0])
}

// matchPrefix finds the longest dictionary prefix of n whose remainder
// starts with a digit (or confusable digit when exact is false).
func matchPrefix(n []rune, exact bool) (string, bool) {
	for _, p := range prefixesByLength {
		pr := []rune(p)
		if len(pr) >= len(n) {
			continue
		}
		if !prefixEqual(n[:len(pr)], pr, exact) {
			continue
		}
		next := n[len(pr)]
		if unicode.IsDigit(next) {
			return p, true
		}
		if _, ok := digitForLetter[next]; ok && !exact {
			return p, true
		}
	}
	return "", false
}

// prefixEqual compares a candidate prefix. Confusions are tolerated after the
// first character only, so bare numbers never read as marks.
func prefixEqual(got, want []rune, exact bool) bool {
	if got[0] != want[0] {
		return false
	}
	for i := range want {
		if got[i] == want[i] {
			continue
		}
		if exact {
			return false
		}
		if l, ok := letterForDigit[got[i]]; !ok || l != want[i] {
			return false
		}
	}
	return true
}

func editDistance(a, b []rune) float64 {
	prev := make([]float64, len(b)+1)
	cur := make([]float64, len(b)+1)
	for j := range prev {
		prev[j] = float64(j)
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = float64(i)
		for j := 1; j <= len(b); j++ {
			sub := prev[j-1]
			if a[i-1] != b[j-1] {
				if confusable[[2]rune{a[i-1], b[j-1]}] {
					sub += confusionCost
				} else {
					sub++
				}
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, sub)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
