// Package fingerprint computes the normalized correlation signature and the
// fingerprint_v2 / fingerprint_v1 keys the correlator groups AlertEvents
// under. Every function here is pure: no I/O, no global state.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Version identifies the active fingerprint algorithm generation.
const Version = 2

var (
	guidPattern      = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	requestIDPattern = regexp.MustCompile(`(?i)(request[_-]?id|req[_-]?id|trace[_-]?id)[=:]\s*\S+`)
	isoTimePattern   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?Z?`)
	dateTimePattern  = regexp.MustCompile(`\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\s+\d{1,2}:\d{2}(:\d{2})?`)
	volatileNumber   = regexp.MustCompile(`(?i)(pid|port|count|duration|latency|uptime)[=:]\s*\d+`)
	ipv4Pattern      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	volatileNumberGroup = regexp.MustCompile(`(?i)^(pid|port|count|duration|latency|uptime)[=:]\s*\d+$`)
)

// Event carries the fields the fingerprint functions read, decoupled from
// domain.AlertEvent so this package never imports the domain package (it is
// itself a dependency of domain-adjacent packages).
type Event struct {
	Environment         string
	Host                string
	CheckName           string
	Service              string
	NormalizedSignature string
}

func (e Event) checkOrService() string {
	if e.CheckName != "" {
		return e.CheckName
	}
	return e.Service
}

// ComputeV2 computes fingerprint_v2, the primary correlation key.
// Severity is deliberately excluded so that a severity flap never spawns a
// new incident: SHA256(env|host|check_or_service|normalized_signature[:200])[:16].
func ComputeV2(e Event) string {
	components := []string{
		normalizeComponent(e.Environment),
		normalizeComponent(e.Host),
		normalizeComponent(e.checkOrService()),
		normalizeSignatureComponent(e.NormalizedSignature),
	}
	sum := sha256.Sum256([]byte(strings.Join(components, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

// ComputeV1 computes the legacy fingerprint (severity included upstream by
// the caller via NormalizedSignature, kept only as a migration fallback
// lookup — see SPEC_FULL.md's Open Questions).
func ComputeV1(e Event) string {
	sig := e.NormalizedSignature
	if len(sig) > 200 {
		sig = sig[:200]
	}
	components := []string{e.Environment, e.Host, e.checkOrService(), sig}
	fingerprintStr := strings.ToLower(strings.Join(components, "|"))
	sum := sha256.Sum256([]byte(fingerprintStr))
	return hex.EncodeToString(sum[:])[:16]
}

func normalizeComponent(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeSignatureComponent(signature string) string {
	if signature == "" {
		return ""
	}
	if len(signature) > 200 {
		signature = signature[:200]
	}
	return strings.ToLower(signature)
}

// NormalizedSignature derives the correlation signature from (subject,
// first 500 chars of body): lowercased, with GUIDs, request/trace ids,
// timestamps, volatile numerics, and IPv4 addresses masked, and whitespace
// collapsed. It is idempotent: NormalizedSignature(NormalizedSignature(s))
// == NormalizedSignature(s) for any s already produced by this function,
// since none of the replacement tokens (<guid>, <id>, <ts>, key=<n>, <ip>)
// match any of the patterns they replace.
func NormalizedSignature(subject, body string) string {
	if len(body) > 500 {
		body = body[:500]
	}
	content := subject + " " + body
	content = strings.ToLower(content)

	content = guidPattern.ReplaceAllString(content, "<guid>")
	content = requestIDPattern.ReplaceAllString(content, "<id>")
	content = isoTimePattern.ReplaceAllString(content, "<ts>")
	content = dateTimePattern.ReplaceAllString(content, "<ts>")
	content = volatileNumber.ReplaceAllStringFunc(content, func(m string) string {
		sub := volatileNumberGroup.FindStringSubmatch(m)
		if sub == nil {
			return m
		}
		return sub[1] + "=<n>"
	})
	content = ipv4Pattern.ReplaceAllString(content, "<ip>")
	content = whitespacePattern.ReplaceAllString(content, " ")

	return strings.TrimSpace(content)
}
