package process

import "strings"

// Default line splitting parameters for captured output.
const (
	DefaultDelimiters = "\n"
	DefaultTrimChars  = " \t"
)

// SplitLines splits raw on runs of any character in delims and trims every
// character in trim from both ends of each token. Runs of delimiters never
// produce empty tokens, so empty or all-delimiter input yields an empty slice.
// A token made only of trim characters becomes an empty line.
func SplitLines(raw, delims, trim string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return strings.ContainsRune(delims, r)
	})

	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		lines = append(lines, strings.Trim(f, trim))
	}
	return lines
}
