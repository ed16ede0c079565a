package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSeverity(t *testing.T) {
	cases := map[string]Severity{
		"CRITICAL": SeverityCritical,
		"crit":     SeverityCritical,
		"red":      SeverityCritical,
		"firing":   SeverityHigh,
		"Major":    SeverityHigh,
		"warning":  SeverityMedium,
		"yellow":   SeverityMedium,
		"minor":    SeverityLow,
		"green":    SeverityInfo,
		"":         SeverityMedium,
		"bogus":    SeverityMedium,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeSeverity(raw), "input %q", raw)
	}
}

func TestSeverityRank_Ordering(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.Greater(t, SeverityLow.Rank(), SeverityInfo.Rank())
}

func TestNormalizeState(t *testing.T) {
	assert.Equal(t, StateFiring, NormalizeState(""), "empty state defaults to firing")
	assert.Equal(t, StateResolved, NormalizeState("RECOVERY"))
	assert.Equal(t, StateResolved, NormalizeState("closed"))
	assert.Equal(t, StateFiring, NormalizeState("PROBLEM"))
	assert.Equal(t, StateUnknown, NormalizeState("something-else"))
}

func TestIncident_InOpenIshStatus(t *testing.T) {
	assert.True(t, Incident{Status: IncidentOpen}.InOpenIshStatus())
	assert.True(t, Incident{Status: IncidentAcknowledged}.InOpenIshStatus())
	assert.True(t, Incident{Status: IncidentResolving}.InOpenIshStatus())
	assert.False(t, Incident{Status: IncidentResolved}.InOpenIshStatus())
	assert.False(t, Incident{Status: IncidentSuppressed}.InOpenIshStatus())
}

func TestAlertEvent_CheckOrService(t *testing.T) {
	assert.Equal(t, "disk", AlertEvent{CheckName: "disk", Service: "storage"}.CheckOrService())
	assert.Equal(t, "storage", AlertEvent{Service: "storage"}.CheckOrService())
}
