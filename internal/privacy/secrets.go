// Package privacy scrubs credentials and contact details from prompt text
// before it is sent to a third-party embedding provider.
package privacy

import (
	"regexp"
	"slices"
)

// Kind names a category of sensitive data.
type Kind string

const (
	KindCredential Kind = "credential"
	KindEmail      Kind = "email"
	KindPhone      Kind = "phone"
)

// Placeholder returns the marker that replaces a redacted span.
func (k Kind) Placeholder() string {
	switch k {
	case KindEmail:
		return "[EMAIL]"
	case KindPhone:
		return "[PHONE]"
	default:
		return "[CREDENTIAL]"
	}
}

type rule struct {
	re   *regexp.Regexp
	kind Kind
	// keep is the replacement prefix; "${1}" keeps a captured key name.
	keep string
}

var rules = []rule{
	// key=value assignments keep the key so the prompt still reads naturally
	{
		re:   regexp.MustCompile(`(?i)\b((?:api[_-]?key|apikey|password|passwd|pwd|secret[_-]?(?:key|token)|auth[_-]?token|aws[_-]?secret[_-]?access[_-]?key)\s*[:=]\s*)['"]?[^\s'"]{8,}['"]?`),
		kind: KindCredential,
		keep: "${1}",
	},
	{
		re:   regexp.MustCompile(`(?i)\b(bearer\s+)[a-z0-9._~+/-]{20,}=*`),
		kind: KindCredential,
		keep: "${1}",
	},
	{re: regexp.MustCompile(`\bsk-(?:ant-)?[A-Za-z0-9_-]{20,}`), kind: KindCredential},
	{re: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}`), kind: KindCredential},
	{re: regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}`), kind: KindCredential},
	{re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), kind: KindCredential},
	{re: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`), kind: KindCredential},
	{re: regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`), kind: KindCredential},

	{re: regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9-]+(?:\.[A-Za-z0-9-]+)*\.[A-Za-z]{2,}`), kind: KindEmail},

	// mainland China mobile numbers, then international numbers written with a leading +
	{re: regexp.MustCompile(`\b1[3-9]\d{9}\b`), kind: KindPhone},
	{re: regexp.MustCompile(`\+\d{1,3}[\s-]?\d{2,4}[\s-]?\d{3,4}[\s-]?\d{3,4}\b`), kind: KindPhone},
}

// Contains reports whether text holds anything Redact would replace.
func Contains(text string) bool {
	if text == "" {
		return false
	}
	return slices.ContainsFunc(rules, func(r rule) bool {
		return r.re.MatchString(text)
	})
}

// Redact replaces sensitive spans with a placeholder per kind and returns
// the kinds it found, in rule order without repeats. Equal inputs always
// produce equal outputs, so duplicate prompts stay duplicates.
func Redact(text string) (string, []Kind) {
	if text == "" {
		return text, nil
	}

	var found []Kind
	for _, r := range rules {
		if !r.re.MatchString(text) {
			continue
		}
		text = r.re.ReplaceAllString(text, r.keep+r.kind.Placeholder())
		if !slices.Contains(found, r.kind) {
			found = append(found, r.kind)
		}
	}
	return text, found
}
