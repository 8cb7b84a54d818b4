package redisclient

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewPingsServer(t *testing.T) {
	srv := miniredis.RunT(t)

	client, err := New(context.Background(), Config{Address: srv.Addr()})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Do(context.Background(), client.B().Set().Key("k").Value("v").Build()).Error())
	got, err := srv.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v", got)
}

func TestNewRequiresAddress(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.ErrorContains(t, err, "address required")
}

func TestNewRejectsUnusableCAFile(t *testing.T) {
	missing := Config{Address: "127.0.0.1:1", TLS: TLSConfig{Enabled: true, CAFile: filepath.Join(t.TempDir(), "missing.pem")}}
	_, err := New(context.Background(), missing)
	require.ErrorIs(t, err, os.ErrNotExist)

	empty := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("not a certificate"), 0o600))
	_, err = New(context.Background(), Config{Address: "127.0.0.1:1", TLS: TLSConfig{Enabled: true, CAFile: empty}})
	require.ErrorContains(t, err, "no certificates")
}
