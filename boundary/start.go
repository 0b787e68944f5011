package boundary

import (
	"log/slog"
	"strings"
)

// StartZone makes name the initial focal zone. An empty name leaves the
// scheduler without a focal zone until the first boundary crossing.
func StartZone(focus FocusSetter, name string, logger *slog.Logger) bool {
	name = strings.TrimSpace(name)
	if focus == nil || name == "" {
		return false
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Setting start zone", "component", "boundary", "zone", name)
	focus.SetCurrentZone(name)
	return true
}
