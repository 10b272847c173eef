package adapters

import (
	"bytes"
	"context"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
	"github.com/stakewatch/validators-monitor/internal/application/ports"
	"github.com/stakewatch/validators-monitor/internal/logger"
)

// AlertmanagerSink posts alerts to an Alertmanager-compatible endpoint: a JSON
// array with one alert object per request.
type AlertmanagerSink struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

var _ ports.AlertSink = (*AlertmanagerSink)(nil)

// NewAlertmanagerSink constructs the sink. An empty baseURL produces an
// unconfigured sink; the alert cycle then short-circuits with a warning.
func NewAlertmanagerSink(baseURL string) *AlertmanagerSink {
	return &AlertmanagerSink{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     logger.For("alertmanager"),
	}
}

// Configured reports whether a delivery target is set.
func (s *AlertmanagerSink) Configured() bool {
	return s.baseURL != ""
}

type alertmanagerAlert struct {
	StartsAt    string            `json:"startsAt"`
	EndsAt      string            `json:"endsAt"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
}

// Send posts one alert. Failures are returned so the caller keeps its
// hysteresis baseline, but the caller never treats them as fatal.
func (s *AlertmanagerSink) Send(ctx context.Context, alert domain.Alert) error {
	payload := []alertmanagerAlert{{
		StartsAt: alert.StartsAt.UTC().Format(time.RFC3339),
		EndsAt:   alert.EndsAt.UTC().Format(time.RFC3339),
		Labels: map[string]string{
			"alertname": alert.Name,
			"severity":  alert.Severity,
		},
		Annotations: map[string]string{
			"summary":     alert.Summary,
			"description": alert.Description,
		},
	}}

	body, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encoding alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/alerts", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building alert request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "posting alert")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("alert post returned %d", resp.StatusCode)
	}
	s.log.Info().Str("alertname", alert.Name).Msg("alert delivered")
	return nil
}
