// Package redact scrubs secret-bearing substrings from text leaving the
// server boundary. It is never applied to the on-disk audit logs.
//
// Redaction runs three ordered passes over the input: whole key/cert
// blocks, then individual token formats (most specific first), then
// key/value assignments. Ordering matters: a JWT inside an Authorization
// header must be replaced by the JWT marker before the generic Bearer
// pattern sees it, and the key/value pass must not clobber markers the
// token pass already produced.
package redact

import (
	"regexp"
	"strings"
)

const (
	markerPrivateKey = "<REDACTED_PRIVATE_KEY_BLOCK>"
	markerCert       = "<REDACTED_CERT_BLOCK>"
	markerJWT        = "<REDACTED_JWT>"
	markerValue      = "<REDACTED>"
	markerSuffix     = "***REDACTED***"
)

var (
	rePrivateKeyBlock = regexp.MustCompile(`(?s)-----BEGIN [A-Z0-9 ]*PRIVATE KEY-----.*?-----END [A-Z0-9 ]*PRIVATE KEY-----`)
	reCertBlock       = regexp.MustCompile(`(?s)-----BEGIN CERTIFICATE-----.*?-----END CERTIFICATE-----`)

	reJWT       = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)
	reAnthropic = regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{10,}`)
	reGenericSK = regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`)
	reGitHubPAT = regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}`)
	reGitHub    = regexp.MustCompile(`\bgh[posru]_[A-Za-z0-9]{16,}`)
	reSlack     = regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}`)
	reAWSKey    = regexp.MustCompile(`\bA[SK]IA[0-9A-Z]{16}\b`)
	reBearer    = regexp.MustCompile(`\bBearer\s+[A-Za-z0-9._~+/=-]{20,}`)

	reJSONSecret = regexp.MustCompile(`(?i)("(?:private_key|client_secret|secret_key|api_key|access_token|refresh_token)"\s*:\s*")([^"]*)(")`)
	reEnvSecret  = regexp.MustCompile(`(?i)\b([A-Z0-9_]*(?:PASSWORD|PASSWD|SECRET|TOKEN|API_KEY|ACCESS_KEY|PRIVATE_KEY)[A-Z0-9_]*)=(\S{6,})`)
)

// Redact replaces secret-bearing substrings with opaque markers while
// preserving surrounding bytes. It is idempotent.
func Redact(text string) string {
	// Pass 1: block level.
	text = rePrivateKeyBlock.ReplaceAllString(text, markerPrivateKey)
	text = reCertBlock.ReplaceAllString(text, markerCert)

	// Pass 2: token level, most specific patterns first. Replacements keep
	// enough of the prefix to identify the token family without the secret.
	text = reJWT.ReplaceAllString(text, markerJWT)
	text = reAnthropic.ReplaceAllString(text, "sk-ant-"+markerSuffix)
	text = reGenericSK.ReplaceAllString(text, "sk-"+markerSuffix)
	text = reGitHubPAT.ReplaceAllString(text, "github_pat_"+markerSuffix)
	text = reGitHub.ReplaceAllStringFunc(text, func(m string) string {
		return m[:4] + markerSuffix
	})
	text = reSlack.ReplaceAllStringFunc(text, func(m string) string {
		return m[:5] + markerSuffix
	})
	text = reAWSKey.ReplaceAllStringFunc(text, func(m string) string {
		return m[:4] + markerSuffix
	})
	text = reBearer.ReplaceAllString(text, "Bearer "+markerValue)

	// Pass 3: key/value level. Spans the token pass already marked are left
	// alone so the more specific marker survives.
	text = reJSONSecret.ReplaceAllStringFunc(text, func(m string) string {
		if strings.Contains(m, "REDACTED") {
			return m
		}
		sub := reJSONSecret.FindStringSubmatch(m)
		return sub[1] + markerValue + sub[3]
	})
	text = reEnvSecret.ReplaceAllStringFunc(text, func(m string) string {
		if strings.Contains(m, "REDACTED") {
			return m
		}
		sub := reEnvSecret.FindStringSubmatch(m)
		return sub[1] + "=" + markerValue
	})

	return text
}
