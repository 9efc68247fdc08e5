package manifest

import (
	"path/filepath"
	"strings"
)

// minPrefixDigits is the shortest digit run accepted as a prefix.
const minPrefixDigits = 10

// DetectPrefix returns the artifact filename prefix for a manifest.
//
// The first run of ten or more ASCII digits found in row order wins. Without
// one, the first artifact's base name minus its extension and last three
// characters is used, provided the name is longer than three characters.
// artifacts must already be in a stable order. An empty result means no
// prefix could be determined.
func DetectPrefix(rows []Row, artifacts []string) string {
	for _, row := range rows {
		if run := longDigitRun(row.Raw); run != "" {
			return run
		}
	}
	if len(artifacts) == 0 {
		return ""
	}
	base := filepath.Base(artifacts[0])
	name := []rune(strings.TrimSuffix(base, filepath.Ext(base)))
	if len(name) <= 3 {
		return ""
	}
	return string(name[:len(name)-3])
}

// longDigitRun returns the first run of at least minPrefixDigits digits in s.
func longDigitRun(s string) string {
	start := -1
	for i := 0; i <= len(s); i++ {
		isDigit := i < len(s) && s[i] >= '0' && s[i] <= '9'
		switch {
		case isDigit && start < 0:
			start = i
		case !isDigit && start >= 0:
			if i-start >= minPrefixDigits {
				return s[start:i]
			}
			start = -1
		}
	}
	return ""
}
