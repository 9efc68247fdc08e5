// Package manifest reads bundle manifests, derives the artifact prefix and
// links manifest rows to extracted artifacts.
package manifest

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Header rows carry both of these column captions.
const (
	headerTokenSeq  = "序号"
	headerTokenName = "品名"
)

// Fields are the business values of one data row.
type Fields struct {
	Seq         int
	ProductName string
	Model       string
	Quantity    int
	SerialNo    string
}

// IsBlank reports whether raw carries no visible text.
func IsBlank(raw string) bool {
	return strings.TrimFunc(raw, unicode.IsSpace) == ""
}

// IsHeader reports whether raw is the manifest's own caption row.
func IsHeader(raw string) bool {
	return strings.Contains(raw, headerTokenSeq) && strings.Contains(raw, headerTokenName)
}

// token is a maximal run of non-space characters in a line.
type token struct {
	start, end int
	// gap is the number of space characters between the previous token and this one.
	gap int
}

// ParseLine matches raw against the data row grammar:
//
//	seq  name  model  quantity  serial
//
// Columns are separated by runs of two or more whitespace characters; seq and
// quantity are unsigned integers; model and serial contain no whitespace; the
// name may contain single or multiple spaces. Leading and trailing whitespace
// is ignored. ok is false when the line does not match.
func ParseLine(raw string) (Fields, bool) {
	var toks [8]token
	tokens := toks[:0]
	gap := 0
	for i := 0; i < len(raw); {
		r, size := utf8.DecodeRuneInString(raw[i:])
		if unicode.IsSpace(r) {
			gap++
			i += size
			continue
		}
		start := i
		for i < len(raw) {
			r, size = utf8.DecodeRuneInString(raw[i:])
			if unicode.IsSpace(r) {
				break
			}
			i += size
		}
		tokens = append(tokens, token{start: start, end: i, gap: gap})
		gap = 0
	}

	// seq, at least one name token, model, quantity, serial
	n := len(tokens)
	if n < 5 {
		return Fields{}, false
	}
	seqTok, nameFirst := tokens[0], tokens[1]
	nameLast := tokens[n-4]
	modelTok, qtyTok, serialTok := tokens[n-3], tokens[n-2], tokens[n-1]

	if nameFirst.gap < 2 || modelTok.gap < 2 || qtyTok.gap < 2 || serialTok.gap < 2 {
		return Fields{}, false
	}

	seq, ok := parseUnsigned(raw[seqTok.start:seqTok.end])
	if !ok {
		return Fields{}, false
	}
	qty, ok := parseUnsigned(raw[qtyTok.start:qtyTok.end])
	if !ok {
		return Fields{}, false
	}

	return Fields{
		Seq:         seq,
		ProductName: raw[nameFirst.start:nameLast.end],
		Model:       raw[modelTok.start:modelTok.end],
		Quantity:    qty,
		SerialNo:    raw[serialTok.start:serialTok.end],
	}, true
}

// parseUnsigned accepts ASCII digits only; values that overflow int are rejected.
func parseUnsigned(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}
