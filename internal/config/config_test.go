package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ModeWatch, cfg.Mode)
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, "/ha/members", cfg.Etcd.Prefix)
	assert.Equal(t, "/etc/kamailio/dispatcher.list", cfg.Watch.ListPath)
	assert.Equal(t, 20*time.Second, cfg.Watch.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Watch.ScanInterval)
	assert.Equal(t, []string{"kamcmd", "dispatcher.reload"}, cfg.Watch.Reload.Command)
}

func TestLoadAnnounceFlags(t *testing.T) {
	cfg, err := Load([]string{
		"-announce", "-etcdhost", "10.0.0.1:2379, 10.0.0.2:2379",
		"-announceip", "10.0.0.5", "-announceport", "5080", "-weight", "40", "-heartbeat", "5s",
	})
	require.NoError(t, err)
	assert.Equal(t, ModeAnnounce, cfg.Mode)
	assert.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, "10.0.0.5", cfg.Announce.Address)
	assert.Equal(t, 5080, cfg.Announce.Port)
	require.NotNil(t, cfg.Announce.Weight)
	assert.Equal(t, 40, *cfg.Announce.Weight)
	assert.Equal(t, 15*time.Second, cfg.Announce.TTL)
	assert.Equal(t, "10.0.0.5:5080", cfg.Announce.ID)
}

func TestLoadWatchFlags(t *testing.T) {
	cfg, err := Load([]string{"-timeout", "30s", "-listpath", "/tmp/d.list", "-reload", "none", "-metrics", ":9100"})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Watch.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Watch.ScanInterval)
	assert.Equal(t, "/tmp/d.list", cfg.Watch.ListPath)
	assert.Nil(t, cfg.Watch.Reload.Command)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
}

func TestLoadFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: announce
log_level: debug
etcd:
  endpoints: ["etcd:2379"]
  prefix: /voice/members
announce:
  address: 10.0.0.7
  port: 5060
  weight: 20
  heartbeat: 2s
  ttl: 7s
`), 0o644))

	cfg, err := Load([]string{"-config", path, "-announceport", "5061"})
	require.NoError(t, err)
	assert.Equal(t, ModeAnnounce, cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"etcd:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, "/voice/members", cfg.Etcd.Prefix)
	assert.Equal(t, 2*time.Second, cfg.Announce.Heartbeat)
	assert.Equal(t, 7*time.Second, cfg.Announce.TTL)
	assert.Equal(t, 5061, cfg.Announce.Port)
	assert.Equal(t, 20, *cfg.Announce.Weight)
	assert.Equal(t, 5*time.Second, cfg.Etcd.DialTimeout, "unset file keys keep defaults")
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string][]string{
		"ttl not above heartbeat": {"-announce", "-heartbeat", "5s", "-ttl", "5s"},
		"fractional ttl":          {"-announce", "-heartbeat", "1s", "-ttl", "2500ms"},
		"weight out of range":     {"-announce", "-weight", "150"},
		"weight not a number":     {"-announce", "-weight", "half"},
		"bad port":                {"-announce", "-announceport", "70000"},
		"no endpoints":            {"-etcdhost", ""},
		"relative prefix":         {"-prefix", "members"},
		"short timeout":           {"-timeout", "500ms"},
		"bad metrics addr":        {"-metrics", "nope"},
		"unknown flag":            {"-frobnicate"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(args)
			assert.Error(t, err)
		})
	}
}

func TestValidateScanInterval(t *testing.T) {
	cfg := Default()
	cfg.applyDerived()
	require.NoError(t, cfg.Validate())

	cfg.Watch.ScanInterval = 15 * time.Second
	assert.Error(t, cfg.Validate())
}

func TestValidateSignalWhenPIDFileSet(t *testing.T) {
	cfg := Default()
	cfg.applyDerived()
	cfg.Watch.Reload.PIDFile = "/run/kamailio/kamailio.pid"
	cfg.Watch.Reload.Signal = "USR1"
	require.NoError(t, cfg.Validate())

	cfg.Watch.Reload.Signal = "BOGUS"
	assert.Error(t, cfg.Validate())
}
