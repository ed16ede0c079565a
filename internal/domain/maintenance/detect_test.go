package maintenance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMaintenanceEmail_SubjectPrefix(t *testing.T) {
	cfg := DefaultDetectionConfig()
	assert.True(t, IsMaintenanceEmail(cfg, "[MW] DB cluster patching", "nothing interesting", ""))
}

func TestIsMaintenanceEmail_ICSContent(t *testing.T) {
	cfg := DefaultDetectionConfig()
	assert.True(t, IsMaintenanceEmail(cfg, "Calendar invite", "", "BEGIN:VCALENDAR"))
}

func TestIsMaintenanceEmail_BodyKeyword(t *testing.T) {
	cfg := DefaultDetectionConfig()
	assert.True(t, IsMaintenanceEmail(cfg, "Heads up", "There is a Scheduled Maintenance tonight.", ""))
}

func TestIsMaintenanceEmail_NoSignal(t *testing.T) {
	cfg := DefaultDetectionConfig()
	assert.False(t, IsMaintenanceEmail(cfg, "disk usage high on web-01", "check disk space", ""))
}
