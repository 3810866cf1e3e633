package sandbox

import (
	"sort"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// Redactor replaces every occurrence of a known secret with [REDACTED] in
// logs and results before they leave the supervisor.
type Redactor struct {
	secrets  []string
	replacer *strings.Replacer
}

// NewRedactor collects secrets from explicit values plus every string
// reachable from credential-bearing parameter keys. Longest secrets are
// replaced first so substrings of other secrets do not leave fragments.
func NewRedactor(explicit []string, params map[string]any) *Redactor {
	set := make(map[string]bool)
	for _, s := range explicit {
		if s != "" && s != redactedPlaceholder {
			set[s] = true
		}
	}
	for key, v := range params {
		if isCredentialKey(key) {
			collectStrings(v, set)
		}
	}

	secrets := make([]string, 0, len(set))
	for s := range set {
		secrets = append(secrets, s)
	}
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })

	pairs := make([]string, 0, len(secrets)*2)
	for _, s := range secrets {
		pairs = append(pairs, s, redactedPlaceholder)
	}
	return &Redactor{secrets: secrets, replacer: strings.NewReplacer(pairs...)}
}

func isCredentialKey(key string) bool {
	k := strings.ToLower(key)
	return k == "credentials" || k == "auth" || k == "secrets" ||
		strings.Contains(k, "token") || strings.Contains(k, "password") ||
		strings.Contains(k, "api_key") || strings.Contains(k, "apikey")
}

func collectStrings(v any, out map[string]bool) {
	switch x := v.(type) {
	case string:
		if x != "" && x != redactedPlaceholder {
			out[x] = true
		}
	case map[string]any:
		for _, val := range x {
			collectStrings(val, out)
		}
	case []any:
		for _, val := range x {
			collectStrings(val, out)
		}
	}
}

// Redact scrubs one string.
func (r *Redactor) Redact(s string) string {
	if len(r.secrets) == 0 {
		return s
	}
	return r.replacer.Replace(s)
}

// RedactValue scrubs every string reachable from a decoded JSON value.
func (r *Redactor) RedactValue(v any) any {
	if len(r.secrets) == 0 {
		return v
	}
	switch x := v.(type) {
	case string:
		return r.Redact(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = r.RedactValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = r.RedactValue(val)
		}
		return out
	default:
		return v
	}
}

// SecretCount reports how many distinct secrets are tracked.
func (r *Redactor) SecretCount() int { return len(r.secrets) }
