package ports

import (
	"context"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
)

// AlertSink delivers rendered alerts to an external notification target.
type AlertSink interface {
	// Configured reports whether a delivery target is set; the alert cycle
	// short-circuits with a warning when it is not.
	Configured() bool

	// Send posts one alert. A delivery failure is returned so the caller can
	// keep its hysteresis baseline unchanged, but is never escalated further.
	Send(ctx context.Context, alert domain.Alert) error
}
