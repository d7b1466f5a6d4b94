package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "smtp", cfg.EmailProvider)
	assert.Equal(t, []string{"smtp"}, cfg.EmailProviders)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 100, cfg.BatchLimit)
	assert.Equal(t, 90*24*time.Hour, cfg.CleanupRetention)
	assert.Equal(t, 60*time.Second, cfg.RetryDelay)
	assert.Equal(t, 10*time.Minute, cfg.RetryMaxDelay)
	assert.Equal(t, 5*time.Minute, cfg.SoftTimeLimit)
	assert.Equal(t, 10*time.Minute, cfg.HardTimeLimit)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, "memory", cfg.QueueBackend)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadProviderList(t *testing.T) {
	t.Setenv("EMAIL_PROVIDER", "SendGrid")
	t.Setenv("EMAIL_PROVIDERS", "smtp, sendgrid,microsoft_graph")
	t.Setenv("DISPATCH_POLL_INTERVAL", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sendgrid", cfg.EmailProvider)
	assert.Equal(t, []string{"sendgrid", "smtp", "microsoft_graph"}, cfg.EmailProviders)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("RETRY_DELAY", "soon")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsLeaseShorterThanSend(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "lease below hard time limit",
			env:  map[string]string{"STUCK_LEASE": "5m", "TASK_HARD_TIME_LIMIT": "10m"},
		},
		{
			name: "lease equal to hard time limit",
			env:  map[string]string{"STUCK_LEASE": "10m", "TASK_HARD_TIME_LIMIT": "10m"},
		},
		{
			name: "lease below provider chain timeout",
			env: map[string]string{
				"STUCK_LEASE":     "11m",
				"SEND_TIMEOUT":    "6m",
				"EMAIL_PROVIDERS": "smtp,sendgrid",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "STUCK_LEASE")
		})
	}
}

func TestLoadAcceptsLongLease(t *testing.T) {
	t.Setenv("STUCK_LEASE", "30m")
	t.Setenv("TASK_HARD_TIME_LIMIT", "20m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.StuckLease)
}
