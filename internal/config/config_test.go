package config

import (
	"os"
	"path/filepath"
	"testing"

	stderrors "errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semfold/semfold/internal/errors"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))

	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Version)
	assert.NotEmpty(t, cfg.Daemon.SocketPath)
	assert.NotEmpty(t, cfg.Models)
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Models = append(cfg.Models, ModelConfig{
		ID:         "gemma-768-gpu",
		Backend:    "gpu-process",
		Dimension:  768,
		WeightsURL: "https://example.com/gemma.bin",
	})
	require.NoError(t, cfg.AddFolder("/data/docs", "gemma-768-gpu"))
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, loaded.Folders, 1)
	assert.Equal(t, "/data/docs", loaded.Folders[0].Path)
	assert.Equal(t, "gemma-768-gpu", loaded.Folders[0].ModelID)

	m, err := loaded.Model("gemma-768-gpu")
	require.NoError(t, err)
	assert.Equal(t, 768, m.Dimension)
}

func TestAddFolder_DuplicateIsExplicitError(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.AddFolder("/data/docs", "folder-mini-cpu"))

	err := cfg.AddFolder("/data/docs", "folder-mini-cpu")

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeFolderExists, errors.GetCode(err))
	assert.Len(t, cfg.Folders, 1)
}

func TestRemoveFolder_UnknownPath(t *testing.T) {
	cfg := Default()

	err := cfg.RemoveFolder("/never/added")

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeFolderUnknown, errors.GetCode(err))
}

func TestValidate_RejectsBadEntries(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "unknown backend",
			mutate: func(c *Config) {
				c.Models = append(c.Models, ModelConfig{ID: "x", Backend: "tpu", Dimension: 3})
			},
		},
		{
			name: "zero dimension",
			mutate: func(c *Config) {
				c.Models = append(c.Models, ModelConfig{ID: "x", Backend: "cpu-runtime"})
			},
		},
		{
			name: "duplicate model id",
			mutate: func(c *Config) {
				c.Models = append(c.Models, c.Models[0])
			},
		},
		{
			name: "folder references unknown model",
			mutate: func(c *Config) {
				c.Folders = append(c.Folders, FolderEntry{Path: "/a", ModelID: "ghost"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))

	_, err := Load(path)

	require.Error(t, err)
	var de *errors.DaemonError
	require.True(t, stderrors.As(err, &de))
	assert.Equal(t, errors.ErrCodeConfigInvalid, de.Code)
}
