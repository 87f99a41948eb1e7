package history

import "regexp"

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	apiKeyPattern = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}\b`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
)

var redactions = []struct {
	pattern *regexp.Regexp
	mask    string
}{
	{emailPattern, "[REDACTED_EMAIL]"},
	{apiKeyPattern, "[REDACTED_KEY]"},
	// Cards before phones, or long card numbers read as phone numbers.
	{cardPattern, "[REDACTED_CARD]"},
	{phonePattern, "[REDACTED_PHONE]"},
}

// Redact masks personal data and credentials in a transcript line.
func Redact(text string) (string, bool) {
	out := text
	for _, r := range redactions {
		out = r.pattern.ReplaceAllString(out, r.mask)
	}
	return out, out != text
}
