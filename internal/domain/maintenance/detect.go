// Package maintenance implements detection and scope matching for
// maintenance windows: recognizing a maintenance-announcement email,
// extracting its window (from an ICS calendar invite or structured body
// text), expanding RRULE recurrences, and matching open incidents against a
// window's scope.
package maintenance

import "strings"

// DetectionConfig drives IsMaintenanceEmail, parseBody, and ParseScope. The
// zero value is not useful; use DefaultDetectionConfig or load one from the
// maintenance detection config file.
type DetectionConfig struct {
	SubjectPrefixes []string          `yaml:"subject_prefixes"`
	BodyPatterns    map[string]string `yaml:"body_patterns"`
	ScopePatterns   map[string]string `yaml:"scope_patterns"`
}

// maintenanceKeywords are body phrases that mark an email as a maintenance
// announcement even without a recognized subject prefix or ICS attachment.
var maintenanceKeywords = []string{
	"maintenance window",
	"scheduled maintenance",
	"planned outage",
}

// DefaultDetectionConfig mirrors the original's hardcoded fallback patterns,
// used when no maintenance detection config file is present.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		SubjectPrefixes: []string{"[MW]", "[Maintenance]", "Maintenance:", "MAINTENANCE:"},
		BodyPatterns: map[string]string{
			"scope":    `Scope:\s*(.+?)(?:\n|$)`,
			"mode":     `Mode:\s*(mute|downgrade|digest)`,
			"title":    `Title:\s*(.+?)(?:\n|$)`,
			"start":    `Start:\s*(.+?)(?:\n|$)`,
			"end":      `End:\s*(.+?)(?:\n|$)`,
			"timezone": `Timezone:\s*(.+?)(?:\n|$)`,
		},
		ScopePatterns: map[string]string{
			"host":    `host=([^;]+)`,
			"service": `service=([^;]+)`,
			"env":     `env=([^;]+)`,
			"region":  `region=([^;]+)`,
			"tags":    `tags=([^;]+)`,
		},
	}
}

// IsMaintenanceEmail reports whether subject/body/ics content identifies the
// email as a maintenance announcement: a configured subject prefix, the
// presence of calendar content, or a body keyword.
func IsMaintenanceEmail(cfg DetectionConfig, subject, body, icsContent string) bool {
	subjectLower := strings.ToLower(subject)
	for _, prefix := range cfg.SubjectPrefixes {
		if strings.Contains(subjectLower, strings.ToLower(prefix)) {
			return true
		}
	}

	if icsContent != "" {
		return true
	}

	bodyLower := strings.ToLower(body)
	for _, keyword := range maintenanceKeywords {
		if strings.Contains(bodyLower, keyword) {
			return true
		}
	}

	return false
}
