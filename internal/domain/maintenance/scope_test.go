package maintenance

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

func TestParseScope_ExactLists(t *testing.T) {
	cfg := DefaultDetectionConfig()
	scope := ParseScope(cfg, "host=web-01,web-02;env=prod;tags=db,cache")

	assert.Equal(t, []string{"web-01", "web-02"}, scope.Hosts)
	assert.Equal(t, []string{"prod"}, scope.Environments)
	assert.Equal(t, []string{"db", "cache"}, scope.Tags)
}

func TestParseScope_WildcardPromotesToRegex(t *testing.T) {
	cfg := DefaultDetectionConfig()
	scope := ParseScope(cfg, "host=web-*")

	assert.Empty(t, scope.Hosts)
	assert.Equal(t, "web-.*", scope.HostRegex)
}

func TestMatchesScope_EmptyScopeMatchesEverything(t *testing.T) {
	assert.True(t, MatchesScope(domain.Incident{Host: "anything"}, domain.MaintenanceScope{}))
}

func TestMatchesScope_ExactHostMatch(t *testing.T) {
	scope := domain.MaintenanceScope{Hosts: []string{"web-01", "web-02"}}
	assert.True(t, MatchesScope(domain.Incident{Host: "web-01"}, scope))
	assert.False(t, MatchesScope(domain.Incident{Host: "db-01"}, scope))
}

func TestMatchesScope_HostRegex(t *testing.T) {
	scope := domain.MaintenanceScope{HostRegex: "web-.*"}
	assert.True(t, MatchesScope(domain.Incident{Host: "web-07"}, scope))
	assert.False(t, MatchesScope(domain.Incident{Host: "db-07"}, scope))
}

func TestMatchesScope_ServiceFallsBackToCheckName(t *testing.T) {
	scope := domain.MaintenanceScope{Services: []string{"postgres"}}
	assert.True(t, MatchesScope(domain.Incident{CheckName: "postgres"}, scope))
}

func TestMatchesScope_EnvironmentMismatchFails(t *testing.T) {
	scope := domain.MaintenanceScope{Environments: []string{"staging"}}
	assert.False(t, MatchesScope(domain.Incident{Environment: "prod"}, scope))
}

func TestMatchesScope_TagsRequireAnyOverlap(t *testing.T) {
	scope := domain.MaintenanceScope{Tags: []string{"db"}}
	assert.True(t, MatchesScope(domain.Incident{Tags: []string{"cache", "db"}}, scope))
	assert.False(t, MatchesScope(domain.Incident{Tags: []string{"cache"}}, scope))
}

func TestMatchReasons_ExplainsHostMatch(t *testing.T) {
	scope := domain.MaintenanceScope{Hosts: []string{"web-01"}}
	reasons := MatchReasons(domain.Incident{Host: "web-01"}, scope)
	assert.NotEmpty(t, reasons)
	assert.Equal(t, "host", reasons[0].Field)
}
