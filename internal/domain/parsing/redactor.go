package parsing

import (
	"regexp"
	"strings"
)

// rule is one compiled regex/replacement pair, applied in order.
type rule struct {
	pattern     *regexp.Regexp
	replacement string
	statsKey    string
}

// Redactor applies an ordered list of regex-replace rules to any string
// before it leaves the process — to the advisory service, into a notifier
// payload, or into a cached extraction rule. It is a pure function wrapped
// in a struct only so additional rules can be loaded at construction time.
type Redactor struct {
	rules []rule
}

// defaultPatterns mirrors the original worker's DEFAULT_PATTERNS list:
// emails, phone numbers, SSNs, major card numbers, API/secret/token
// key-value patterns, password fields, bearer JWTs, AWS credentials, PEM
// private-key blocks, connection-string passwords, and generic
// secret-like assignments.
var defaultPatterns = []struct {
	pattern     string
	replacement string
}{
	{`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`, "[EMAIL]"},
	{`\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`, "[PHONE]"},
	{`\b\+?1?[-.\s]?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`, "[PHONE]"},
	{`\b\d{3}-\d{2}-\d{4}\b`, "[SSN]"},
	{`\b4[0-9]{12}(?:[0-9]{3})?\b`, "[CARD]"},
	{`\b5[1-5][0-9]{14}\b`, "[CARD]"},
	{`\b3[47][0-9]{13}\b`, "[CARD]"},
	{`\b6(?:011|5[0-9]{2})[0-9]{12}\b`, "[CARD]"},
	{`(?i)(api[_-]?key|apikey)\s*[=:]\s*["']?([a-zA-Z0-9_\-]{20,})["']?`, "$1=[REDACTED_KEY]"},
	{`(?i)(secret[_-]?key|secretkey)\s*[=:]\s*["']?([a-zA-Z0-9_\-]{20,})["']?`, "$1=[REDACTED_SECRET]"},
	{`(?i)(access[_-]?token|accesstoken)\s*[=:]\s*["']?([a-zA-Z0-9_\-.]{20,})["']?`, "$1=[REDACTED_TOKEN]"},
	{`(?i)(password|passwd|pwd)\s*[=:]\s*["']?(\S+)["']?`, "$1=[REDACTED_PASSWORD]"},
	{`(?i)bearer\s+[a-zA-Z0-9\-_]+\.[a-zA-Z0-9\-_]+\.[a-zA-Z0-9\-_]+`, "[REDACTED_JWT]"},
	{`(?i)(aws[_-]?access[_-]?key[_-]?id)\s*[=:]\s*["']?([A-Z0-9]{20})["']?`, "$1=[REDACTED_AWS_KEY]"},
	{`(?i)(aws[_-]?secret[_-]?access[_-]?key)\s*[=:]\s*["']?([a-zA-Z0-9/+=]{40})["']?`, "$1=[REDACTED_AWS_SECRET]"},
	{`-----BEGIN (?:RSA |EC |DSA )?PRIVATE KEY-----[\s\S]*?-----END (?:RSA |EC |DSA )?PRIVATE KEY-----`, "[REDACTED_PRIVATE_KEY]"},
	{`(?i)(mysql|postgresql|postgres|mongodb|redis|amqp)://[^:]+:([^@]+)@`, "$1://[user]:[REDACTED_PASSWORD]@"},
	{`(?i)(secret|token|credential|auth)\s*[=:]\s*["']?([a-zA-Z0-9_\-.]{16,})["']?`, "$1=[REDACTED]"},
}

// NewRedactor compiles the default pattern list plus any additional
// patterns supplied in the `pattern|replacement;pattern|replacement;...`
// config-string format described in the environment/config surface.
// Patterns that fail to compile are skipped rather than aborting startup —
// the original worker logs a warning and continues, rather than refusing
// to start over one bad custom pattern.
func NewRedactor(extraPatterns string) *Redactor {
	r := &Redactor{}
	for _, p := range defaultPatterns {
		compiled, err := regexp.Compile(`(?i)` + p.pattern)
		if err != nil {
			continue
		}
		r.rules = append(r.rules, rule{pattern: compiled, replacement: p.replacement, statsKey: statsKey(p.replacement)})
	}
	for _, item := range strings.Split(extraPatterns, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		idx := strings.Index(item, "|")
		if idx < 0 {
			continue
		}
		patternStr := strings.TrimSpace(item[:idx])
		replacement := strings.TrimSpace(item[idx+1:])
		compiled, err := regexp.Compile(`(?i)` + patternStr)
		if err != nil {
			continue
		}
		r.rules = append(r.rules, rule{pattern: compiled, replacement: replacement, statsKey: statsKey(replacement)})
	}
	return r
}

func statsKey(replacement string) string {
	return strings.ToLower(strings.Trim(replacement, "[]$123456789=/user "))
}

// Redact applies every rule in order and returns the resulting text.
func (r *Redactor) Redact(text string) string {
	if text == "" {
		return text
	}
	result := text
	for _, rl := range r.rules {
		result = rl.pattern.ReplaceAllString(result, rl.replacement)
	}
	return result
}

// RedactWithStats applies every rule and also returns a per-rule hit count,
// keyed by a cleaned-up form of the replacement token, for telemetry.
func (r *Redactor) RedactWithStats(text string) (string, map[string]int) {
	if text == "" {
		return text, nil
	}
	stats := map[string]int{}
	result := text
	for _, rl := range r.rules {
		matches := rl.pattern.FindAllString(result, -1)
		if len(matches) == 0 {
			continue
		}
		stats[rl.statsKey] += len(matches)
		result = rl.pattern.ReplaceAllString(result, rl.replacement)
	}
	return result, stats
}

// RedactEmailContent redacts both the subject and body of an email in one
// call, the common case for outbound payload construction.
func (r *Redactor) RedactEmailContent(subject, body string) (string, string) {
	return r.Redact(subject), r.Redact(body)
}

// AddPattern registers an additional rule at runtime. Returns an error if
// the pattern does not compile.
func (r *Redactor) AddPattern(pattern, replacement string) error {
	compiled, err := regexp.Compile(`(?i)` + pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{pattern: compiled, replacement: replacement, statsKey: statsKey(replacement)})
	return nil
}
