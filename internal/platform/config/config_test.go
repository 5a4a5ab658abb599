package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "spend-controls", cfg.Service.Name)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 8086, cfg.Server.Port)
	assert.Equal(t, 9086, cfg.Server.GRPCPort)
	assert.Equal(t, 7*24*time.Hour, cfg.Escalation.Expiry)
	assert.Equal(t, 5*time.Minute, cfg.Escalation.SweepInterval)
	assert.Equal(t, 25, cfg.Payroll.PayDay)
	assert.Equal(t, int32(10), cfg.Database.MaxConns)
	assert.Equal(t, "notifications.spend", cfg.NATS.SubjectPrefix)
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, "SPEND_NOTIFICATIONS", cfg.NATS.Stream)
	assert.Equal(t, 5*time.Second, cfg.Identity.Timeout)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, []string{"fc", "ceo"}, cfg.Deductions.CancelRoles)
	assert.Equal(t, []string{"payroll", "system"}, cfg.Deductions.ProcessActors)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: memory
escalation:
  expiry: 72h
payroll:
  pay_day: 28
identity:
  static_roles: "user-gm=gm,user-fc=fc|gm"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 72*time.Hour, cfg.Escalation.Expiry)
	assert.Equal(t, 28, cfg.Payroll.PayDay)
	assert.Equal(t, "user-gm=gm,user-fc=fc|gm", cfg.Identity.StaticRoles)
	// Defaults still apply for unset values
	assert.Equal(t, 8086, cfg.Server.Port)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  port: 9000\n"), 0o644))
	t.Setenv("SPENDCTL_SERVER_PORT", "9100")
	t.Setenv("SPENDCTL_DEDUCTIONS_CANCEL_ROLES", "ceo,gm")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"ceo", "gm"}, cfg.Deductions.CancelRoles)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	chdirTemp(t)
	t.Setenv("SPENDCTL_STORE_DRIVER", "mongo")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store driver")
}

func TestLoadRejectsPayDayOutOfRange(t *testing.T) {
	chdirTemp(t)
	t.Setenv("SPENDCTL_PAYROLL_PAY_DAY", "31")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pay_day")
}
