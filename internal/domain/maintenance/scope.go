package maintenance

import (
	"regexp"
	"strings"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

// globToRegex promotes a single wildcard host/service string to a regex,
// the original's `value.replace("*", ".*").replace("?", ".")`.
func globToRegex(value string) string {
	replacer := strings.NewReplacer("*", ".*", "?", ".")
	return replacer.Replace(value)
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseScope parses a "host=...;service=...;env=...;region=...;tags=..."
// style scope string (from a maintenance email body line, or an ICS
// VEVENT's DESCRIPTION) into a structured MaintenanceScope, promoting any
// value containing `*`/`?` to a regex.
func ParseScope(cfg DetectionConfig, scopeStr string) domain.MaintenanceScope {
	var scope domain.MaintenanceScope

	for field, pattern := range cfg.ScopePatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			continue
		}
		match := re.FindStringSubmatch(scopeStr)
		if match == nil {
			continue
		}
		value := strings.TrimSpace(match[1])

		switch field {
		case "host":
			if strings.ContainsAny(value, "*?") {
				scope.HostRegex = globToRegex(value)
			} else {
				scope.Hosts = splitCSV(value)
			}
		case "service":
			if strings.ContainsAny(value, "*?") {
				scope.ServiceRegex = globToRegex(value)
			} else {
				scope.Services = splitCSV(value)
			}
		case "env":
			scope.Environments = splitCSV(value)
		case "region":
			scope.Regions = splitCSV(value)
		case "tags":
			scope.Tags = splitCSV(value)
		}
	}

	return scope
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}

func matchesRegex(pattern, value string) bool {
	if pattern == "" || value == "" {
		return false
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// MatchesScope reports whether an incident falls within a maintenance
// scope: for each non-empty dimension, the incident's field must satisfy
// one of the listed values or the dimension's regex (case-insensitive). A
// dimension other than tags does not constrain an incident whose
// corresponding field is empty. An empty scope matches every incident.
func MatchesScope(incident domain.Incident, scope domain.MaintenanceScope) bool {
	if scope.IsEmpty() {
		return true
	}

	if !matchesDimension(scope.Hosts, scope.HostRegex, incident.Host) {
		return false
	}
	if !matchesDimension(scope.Services, scope.ServiceRegex, incident.CheckOrService()) {
		return false
	}
	if len(scope.Environments) > 0 && incident.Environment != "" && !containsFold(scope.Environments, incident.Environment) {
		return false
	}
	if len(scope.Regions) > 0 && incident.Region != "" && !containsFold(scope.Regions, incident.Region) {
		return false
	}
	if len(scope.CheckNames) > 0 && incident.CheckName != "" && !containsFold(scope.CheckNames, incident.CheckName) {
		return false
	}
	if len(scope.Tags) > 0 {
		matched := false
		for _, t := range scope.Tags {
			if containsFold(incident.Tags, t) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

// matchesDimension implements the list-or-regex check shared by the
// host/service dimensions: an exact-list match wins outright; otherwise the
// regex (if any) decides; with neither a list nor a regex, the dimension
// doesn't constrain the match.
func matchesDimension(list []string, regex, value string) bool {
	if len(list) == 0 && regex == "" {
		return true
	}
	if value == "" {
		return true
	}
	if len(list) > 0 {
		if containsFold(list, value) {
			return true
		}
		if regex != "" {
			return matchesRegex(regex, value)
		}
		return false
	}
	return matchesRegex(regex, value)
}

// MatchReasons explains which scope dimensions actually matched an
// incident, for the MaintenanceMatch audit trail.
func MatchReasons(incident domain.Incident, scope domain.MaintenanceScope) []domain.MatchReason {
	var reasons []domain.MatchReason

	if len(scope.Hosts) > 0 && containsFold(scope.Hosts, incident.Host) {
		reasons = append(reasons, domain.MatchReason{Field: "host", Pattern: strings.Join(scope.Hosts, ","), Value: incident.Host})
	}
	if scope.HostRegex != "" && incident.Host != "" && matchesRegex(scope.HostRegex, incident.Host) {
		reasons = append(reasons, domain.MatchReason{Field: "host", Pattern: scope.HostRegex, Value: incident.Host})
	}
	if svc := incident.CheckOrService(); svc != "" {
		if len(scope.Services) > 0 && containsFold(scope.Services, svc) {
			reasons = append(reasons, domain.MatchReason{Field: "service", Pattern: strings.Join(scope.Services, ","), Value: svc})
		}
		if scope.ServiceRegex != "" && matchesRegex(scope.ServiceRegex, svc) {
			reasons = append(reasons, domain.MatchReason{Field: "service", Pattern: scope.ServiceRegex, Value: svc})
		}
	}
	if len(scope.Environments) > 0 && containsFold(scope.Environments, incident.Environment) {
		reasons = append(reasons, domain.MatchReason{Field: "environment", Pattern: strings.Join(scope.Environments, ","), Value: incident.Environment})
	}
	if len(scope.Regions) > 0 && containsFold(scope.Regions, incident.Region) {
		reasons = append(reasons, domain.MatchReason{Field: "region", Pattern: strings.Join(scope.Regions, ","), Value: incident.Region})
	}

	return reasons
}
