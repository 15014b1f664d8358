package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/farmsync/internal/license"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMigrateCommand(t *testing.T) {
	setupTestEnv(t)

	_, err := execute(t, "migrate")
	require.NoError(t, err)

	out, err := execute(t, "migrate", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "current migration version")

	_, err = execute(t, "migrate", "sideways")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sideways")
}

func TestServersCommands(t *testing.T) {
	setupTestEnv(t)

	out, err := execute(t, "servers", "register", "web-01", "--name", "Web 01")
	require.NoError(t, err)
	assert.Contains(t, out, "registered web-01")

	_, err = execute(t, "servers", "register", "web-02")
	require.NoError(t, err)

	out, err = execute(t, "servers", "disable", "web-02")
	require.NoError(t, err)
	assert.Contains(t, out, "disabled web-02")

	out, err = execute(t, "servers", "list")
	require.NoError(t, err)
	var rows []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "web-0") {
			rows = append(rows, strings.Join(strings.Fields(line), " "))
		}
	}
	require.Len(t, rows, 2)
	assert.True(t, strings.HasPrefix(rows[0], "web-01 Web 01 true 0 0"), rows[0])
	assert.True(t, strings.HasPrefix(rows[1], "web-02 web-02 false 0 0"), rows[1])

	_, err = execute(t, "servers", "enable", "web-99")
	require.Error(t, err)
}

func TestLicenseIssueCommand(t *testing.T) {
	secret := strings.Repeat("k", license.MinSecretLength)
	t.Setenv(licenseSecretEnv, secret)

	out, err := execute(t, "license", "issue", "Acme")
	require.NoError(t, err)

	token := strings.TrimSpace(out)
	gate, err := license.NewTokenGate(token, secret)
	require.NoError(t, err)
	claims, err := gate.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Acme", claims.Licensee)
	assert.Contains(t, claims.Features, license.FeatureWebFarm)
}

func TestLicenseIssueCommand_RequiresSecret(t *testing.T) {
	t.Setenv(licenseSecretEnv, "")

	_, err := execute(t, "license", "issue", "Acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), licenseSecretEnv)
}

func TestRootCommand_BadConfigFile(t *testing.T) {
	setupTestEnv(t)

	_, err := execute(t, "--config", "/does/not/exist.yaml", "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}
