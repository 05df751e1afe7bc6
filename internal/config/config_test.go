package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv(PathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("MONDAY_API_TOKEN", "tok")
	t.Setenv("MONDAY_BOARD_ID", "12345")
	t.Setenv("MAILCHIMP_API_KEY", "abcdef-us21")
	t.Setenv("MAILCHIMP_AUDIENCE_ID", "list1")
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("MONDAY_SIGNING_SECRET", "signing")
	t.Setenv("MANDRILL_WEBHOOK_KEY", "mkey")
	t.Setenv("MANDRILL_WEBHOOK_URL", "https://sync.example.org/webhooks/mailchimp")
}

func TestLoad_FromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MONDAY_EMAIL_COLUMNS", "lead_email, email ,")
	t.Setenv("ENROLLMENT_BASE_DELAY", "250ms")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "us21", cfg.Mailchimp.ServerPrefix)
	assert.Equal(t, []string{"lead_email", "email"}, cfg.Monday.EmailColumnIDs)
	assert.Equal(t, 250*time.Millisecond, cfg.Enrollment.BaseDelay)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Enrollment.MaxRetries)
	assert.Equal(t, 500, cfg.Monday.ScanLimit)
}

func TestLoad_FileThenEnv(t *testing.T) {
	setRequiredEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("monday:\n  scan_limit: 50\nmailchimp:\n  enrollment_tag: Wedding Leads\n"), 0o600))
	t.Setenv(PathEnvVar, path)
	t.Setenv("MONDAY_SCAN_LIMIT", "75")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 75, cfg.Monday.ScanLimit)
	assert.Equal(t, "Wedding Leads", cfg.Mailchimp.EnrollmentTag)
}

func TestValidate_SecretsMandatoryByDefault(t *testing.T) {
	cfg := Default()
	cfg.Monday.APIToken = "tok"
	cfg.Monday.BoardID = "1"
	cfg.Mailchimp.APIKey = "k-us1"
	cfg.Mailchimp.ServerPrefix = "us1"
	cfg.Mailchimp.ListID = "l"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.webhook_secret")
	assert.Contains(t, err.Error(), "auth.monday_signing_secret")

	cfg.Auth.AllowUnsigned = true
	assert.NoError(t, cfg.Validate())
}

func TestServerPrefixFromKey(t *testing.T) {
	assert.Equal(t, "us21", ServerPrefixFromKey("0123abcd-us21"))
	assert.Equal(t, "", ServerPrefixFromKey("nokey"))
	assert.Equal(t, "", ServerPrefixFromKey("trailing-"))
}
