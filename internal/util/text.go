package util

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"icdcompass/internal"
)

var (
	reSpaces   = regexp.MustCompile(`\s+`)
	reRevision = regexp.MustCompile(`^ICD[\s\-_.]*0*(\d{1,2})(?:[\s\-_.]*(CM|PCS|GM|AM|CA|WHO|DE|FR|NL|SE|DK|NO|BE))?$`)
)

func NormalizeSpaces(input string) string {
	input = strings.ReplaceAll(input, "\u00A0", " ")
	return strings.TrimSpace(reSpaces.ReplaceAllString(input, " "))
}

// RevisionKey folds a revision tag for alias lookup: upper case, letters and
// digits only.
func RevisionKey(tag string) string {
	out := strings.Builder{}
	for _, r := range strings.ToUpper(norm.NFKC.String(tag)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			out.WriteRune(r)
		}
	}
	return out.String()
}

// CanonicalRevision maps spellings like "ICD9", "icd-9-cm" or "ICD 9" to
// "ICD-9". Aliases are keyed by RevisionKey and win over the built-in rule.
// Unrecognized tags come back trimmed but otherwise verbatim with ok=false.
func CanonicalRevision(tag string, aliases map[string]string) (string, bool) {
	trimmed := NormalizeSpaces(tag)
	if trimmed == "" {
		return "", false
	}
	if canonical, ok := aliases[RevisionKey(trimmed)]; ok {
		return canonical, true
	}
	m := reRevision.FindStringSubmatch(strings.ToUpper(norm.NFKC.String(trimmed)))
	if m == nil {
		return trimmed, false
	}
	switch m[1] {
	case "6", "7", "8", "9", "10", "11":
		return "ICD-" + m[1], true
	}
	return trimmed, false
}

// NormalizeCode folds compatibility characters, drops all whitespace and
// upper-cases the code.
func NormalizeCode(input string) string {
	s := norm.NFKC.String(input)
	out := strings.Builder{}
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		out.WriteRune(unicode.ToUpper(r))
	}
	return out.String()
}

// ApplyPunctuation applies a revision's declared dot rule to a normalized code.
func ApplyPunctuation(code string, rule internal.RevisionRule) string {
	switch rule.Punctuation {
	case internal.PunctuationStrip:
		return stripDots(code)
	case internal.PunctuationInsert:
		bare := []rune(stripDots(code))
		if rule.DotAfter <= 0 || len(bare) <= rule.DotAfter {
			return string(bare)
		}
		return string(bare[:rule.DotAfter]) + "." + string(bare[rule.DotAfter:])
	default:
		return code
	}
}

func stripDots(code string) string {
	return strings.NewReplacer(".", "", ",", "").Replace(code)
}

func ValidPunctuation(p internal.Punctuation) error {
	switch p {
	case "", internal.PunctuationKeep, internal.PunctuationStrip, internal.PunctuationInsert:
		return nil
	default:
		return fmt.Errorf("unknown punctuation rule %q (keep|strip|insert)", p)
	}
}
