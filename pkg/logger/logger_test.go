package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuditLogWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "audit.log")
	appPath := filepath.Join(dir, "app.log")

	require.NoError(t, Init(Config{
		Level:       "debug",
		Format:      "json",
		OutputPaths: []string{appPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}))

	Named("escrow").Info("托管已创建", "escrow_id", "e-1")
	Audit().Info("escrow_transition", "escrow_id", "e-1", "to", "ACTIVE")
	require.NoError(t, Sync())

	data, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry), "audit entry is not json")
	require.Equal(t, "audit", entry["stream"])
	require.Equal(t, "e-1", entry["escrow_id"])

	app, err := os.ReadFile(appPath)
	require.NoError(t, err)
	require.Contains(t, string(app), `"component":"escrow"`)
}

func TestAuditRequiresPath(t *testing.T) {
	require.Error(t, Init(Config{Audit: AuditConfig{Enabled: true}}))
	require.NotNil(t, L(), "default logger should remain usable")
}
