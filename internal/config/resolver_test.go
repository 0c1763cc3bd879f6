package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/cellcount/internal/compare"
	"github.com/hurttlocker/cellcount/internal/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestResolveConfig_Defaults(t *testing.T) {
	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")})
	require.NoError(t, err)

	assert.Equal(t, SourceDefault, resolved.DBPath.Source)
	assert.Equal(t, "sqlite", resolved.Driver.Value)
	assert.Equal(t, "b_cell,cd8_t_cell,cd4_t_cell,nk_cell,monocyte", resolved.CellTypes.Value)
	assert.Equal(t, "0.05", resolved.Alpha.Value)

	opts, err := resolved.AnalysisOptions()
	require.NoError(t, err)
	assert.Equal(t, compare.Options{Alpha: 0.05, Correction: compare.CorrectionNone, MinGroupSize: 2}, opts)
	assert.Equal(t, store.DriverSQLite, resolved.StoreConfig().Driver)
}

func TestResolveConfig_Precedence_ConfigEnvCLI(t *testing.T) {
	path := writeConfig(t, `db_path: /data/from-config.db
dataset:
  cell_types: [b_cell, tregs]
analysis:
  alpha: 0.01
  correction: bh
logging:
  level: warn
  format: json
`)
	t.Setenv("CELLCOUNT_DB", "/data/from-env.db")
	t.Setenv("CELLCOUNT_ALPHA", "0.1")
	t.Setenv("CELLCOUNT_LOG_LEVEL", "error")

	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath:  path,
		CLIDBPath:   "/data/from-cli.db",
		CLILogLevel: "debug",
	})
	require.NoError(t, err)

	assert.Equal(t, ResolvedValue{Value: "/data/from-cli.db", Source: SourceCLI, From: "--db"}, resolved.DBPath)
	assert.Equal(t, ResolvedValue{Value: "0.1", Source: SourceEnv, From: "CELLCOUNT_ALPHA"}, resolved.Alpha)
	assert.Equal(t, ResolvedValue{Value: "bh", Source: SourceConfig, From: path}, resolved.Correction)
	assert.Equal(t, SourceCLI, resolved.LogLevel.Source)
	assert.Equal(t, "json", resolved.LogFormat.Value)
	assert.Equal(t, SourceDefault, resolved.MinGroupSize.Source)

	assert.Equal(t, []string{"b_cell", "tregs"}, resolved.DatasetOptions().CellTypes)
	opts, err := resolved.AnalysisOptions()
	require.NoError(t, err)
	assert.Equal(t, compare.CorrectionBH, opts.Correction)
	assert.Equal(t, 0.1, opts.Alpha)
}

func TestResolveConfig_EnvS3AndStore(t *testing.T) {
	t.Setenv("CELLCOUNT_DRIVER", "postgres")
	t.Setenv("CELLCOUNT_DSN", "postgres://cellcount@localhost/cellcount")
	t.Setenv("CELLCOUNT_S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("CELLCOUNT_S3_PATH_STYLE", "true")
	t.Setenv("CELLCOUNT_CELL_TYPES", "b_cell,nk_cell")

	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: filepath.Join(t.TempDir(), "none.yaml")})
	require.NoError(t, err)

	sc := resolved.StoreConfig()
	assert.Equal(t, store.Driver("postgres"), sc.Driver)
	assert.Equal(t, "postgres://cellcount@localhost/cellcount", sc.DSN)

	ds := resolved.DatasetOptions()
	assert.True(t, ds.S3.PathStyle)
	assert.Equal(t, "http://localhost:9000", ds.S3.Endpoint)
	assert.Equal(t, "us-east-1", ds.S3.Region)
	assert.Equal(t, []string{"b_cell", "nk_cell"}, ds.CellTypes)
	assert.Equal(t, "CELLCOUNT_S3_PATH_STYLE", resolved.S3PathStyle.From)
}

func TestResolveConfig_S3Credentials(t *testing.T) {
	path := writeConfig(t, `dataset:
  s3:
    access_key_id: AKIAFILE
    secret_access_key: file-secret
`)
	t.Setenv("CELLCOUNT_S3_SECRET_ACCESS_KEY", "env-secret")
	t.Setenv("CELLCOUNT_S3_SESSION_TOKEN", "env-token")

	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: path})
	require.NoError(t, err)

	s3 := resolved.DatasetOptions().S3
	assert.Equal(t, "AKIAFILE", s3.AccessKeyID)
	assert.Equal(t, "env-secret", s3.SecretAccessKey)
	assert.Equal(t, "env-token", s3.SessionToken)
	assert.Equal(t, SourceConfig, resolved.S3AccessKeyID.Source)
	assert.Equal(t, "CELLCOUNT_S3_SECRET_ACCESS_KEY", resolved.S3SecretAccessKey.From)

	b, err := json.Marshal(resolved)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "env-secret")
	assert.NotContains(t, string(b), "env-token")
}

func TestResolveConfig_S3CredentialsDefaultChain(t *testing.T) {
	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: filepath.Join(t.TempDir(), "none.yaml")})
	require.NoError(t, err)
	s3 := resolved.DatasetOptions().S3
	assert.Empty(t, s3.AccessKeyID)
	assert.Empty(t, s3.SecretAccessKey)
}

func TestResolveConfig_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath: filepath.Join(t.TempDir(), "none.yaml"),
		CLIDBPath:  "~/cells.db",
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "cells.db"), resolved.DBPath.Value)
}

func TestResolveConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "bad yaml", yaml: "analysis: [\n"},
		{name: "bad correction", yaml: "analysis:\n  correction: bonferroni\n"},
		{name: "alpha out of range", yaml: "analysis:\n  alpha: 2\n"},
		{name: "bad driver", yaml: "store:\n  driver: oracle\n"},
		{name: "bad log level", yaml: "logging:\n  level: loud\n"},
		{name: "env alpha not a number", env: map[string]string{"CELLCOUNT_ALPHA": "small"}},
		{name: "env path style not a bool", env: map[string]string{"CELLCOUNT_S3_PATH_STYLE": "maybe"}},
		{name: "access key without secret", env: map[string]string{"CELLCOUNT_S3_ACCESS_KEY_ID": "AKIA"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := ResolveConfig(ResolveOptions{ConfigPath: writeConfig(t, tt.yaml)})
			assert.Error(t, err)
		})
	}
}
