package spec

import (
	"regexp"
	"strings"
)

// Text arriving from copy-pasted templates tends to carry smart quotes,
// doubly-escaped newlines, stray control characters and decorative outer
// quotes. Everything sent to the remote tracker passes through these
// normalizers first.

var (
	controlRE       = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]")
	blankRunsRE     = regexp.MustCompile(`\n{3,}`)
	spaceRunsRE     = regexp.MustCompile(`\s+`)
	trailingPunctRE = regexp.MustCompile(`[.,;:]+$`)
)

var unicodeReplacer = strings.NewReplacer(
	"‘", "'",
	"’", "'",
	"“", `"`,
	"”", `"`,
	"\u00a0", " ",
)

var escapeReplacer = strings.NewReplacer(
	`\r\n`, "\n",
	`\n`, "\n",
	`\t`, "\t",
	`\"`, `"`,
	`\'`, "'",
)

// normalize applies the transforms shared by CleanText and CleanLine.
func normalize(s string) string {
	s = unicodeReplacer.Replace(s)
	s = escapeReplacer.Replace(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = controlRE.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	return stripOuterQuotes(s)
}

// stripOuterQuotes removes matching decorative quotes repeatedly, so text
// like `"'Do the thing'"` comes out as `Do the thing`.
func stripOuterQuotes(s string) string {
	for len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'' || first == '`') {
			s = strings.TrimSpace(s[1 : len(s)-1])
			continue
		}
		if strings.HasPrefix(s, "“") && strings.HasSuffix(s, "”") {
			s = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(s, "“"), "”"))
			continue
		}
		break
	}
	return s
}

// CleanText normalizes multi-line text: trailing whitespace is stripped per
// line and runs of blank lines collapse to a single blank line.
func CleanText(s string) string {
	s = normalize(s)
	lines := strings.Split(s, "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimRight(ln, " \t")
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(blankRunsRE.ReplaceAllString(s, "\n\n"))
}

// CleanLine normalizes text destined for a single-line field, collapsing all
// internal whitespace to single spaces.
func CleanLine(s string) string {
	return strings.TrimSpace(spaceRunsRE.ReplaceAllString(normalize(s), " "))
}

// CleanKey normalizes a record key or identifier: single line, no internal
// whitespace, no trailing punctuation.
func CleanKey(s string) string {
	s = CleanLine(s)
	s = trailingPunctRE.ReplaceAllString(s, "")
	return spaceRunsRE.ReplaceAllString(s, "")
}

// EnsureBullets formats multi-line descriptions as a bullet list. Single
// lines and text that is already bulleted pass through unchanged.
func EnsureBullets(s string) string {
	var lines []string
	for _, ln := range strings.Split(CleanText(s), "\n") {
		ln = strings.TrimSpace(ln)
		if ln != "" {
			lines = append(lines, ln)
		}
	}
	if len(lines) <= 1 {
		return strings.Join(lines, "\n")
	}
	bulleted := true
	for _, ln := range lines {
		if !strings.HasPrefix(ln, "* ") && !strings.HasPrefix(ln, "- ") {
			bulleted = false
			break
		}
	}
	if bulleted {
		return strings.Join(lines, "\n")
	}
	for i, ln := range lines {
		lines[i] = "* " + ln
	}
	return strings.Join(lines, "\n")
}
