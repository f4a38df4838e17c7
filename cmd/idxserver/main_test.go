package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testHeader = `version 1
logic_box 0 16 0 16
bitmask V0101
bitsperblock 2
blocksperfile 4
default_codec raw
fields
  v u8
timesteps 0
`

func writeTestHeader(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "dataset.idx")
	require.NoError(t, os.WriteFile(path, []byte(testHeader), 0o644))

	return path
}

func TestNewRootCommandDefaultsAndRequiredFlags(t *testing.T) {
	cmd := newRootCommand()

	listen, err := cmd.Flags().GetString("listen")
	require.NoError(t, err)
	require.Equal(t, ":9090", listen)

	cacheSize, err := cmd.Flags().GetInt("cache-size")
	require.NoError(t, err)
	require.Equal(t, 64, cacheSize)

	writes, err := cmd.Flags().GetBool("writes")
	require.NoError(t, err)
	require.False(t, writes)

	for _, name := range []string{"dataset-name", "header", "root"} {
		require.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestNewRootCommandRejectsMissingRequiredFlags(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	err := cmd.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "required flag")
}

func TestBuildServerServesReaddataset(t *testing.T) {
	headerPath := writeTestHeader(t)
	root := t.TempDir()

	srv, err := buildServer("ds", headerPath, root, 8, false, 4, 8)
	require.NoError(t, err)
	defer srv.Close()

	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/mod_visus?action=readdataset&dataset=ds")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "bitmask V0101")
}

func TestBuildServerFailsOnMissingHeader(t *testing.T) {
	_, err := buildServer("ds", filepath.Join(t.TempDir(), "missing.idx"), t.TempDir(), 8, false, 4, 8)
	require.Error(t, err)
}
