package app

import (
	"context"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msigwallet/internal/config"
	"msigwallet/internal/domain"
)

func TestOpenBootstrapsOnce(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault("treasury", "ops")), 0o644))
	ctx := context.Background()

	w, err := Open(ctx, Options{Workspace: workspace, Registerer: prometheus.NewRegistry(), Recover: true})
	require.NoError(t, err)
	wallet, err := w.Engine.Wallet(ctx)
	require.NoError(t, err)
	assert.Equal(t, "treasury", wallet.ID)
	assert.Equal(t, domain.Address("ops"), wallet.Admin)
	assert.EqualValues(t, 1, wallet.RequiredWeight)
	_, err = w.Engine.AddSigner(ctx, "ops", "alice", 2)
	require.NoError(t, err)
	w.Close()

	// A second open keeps the stored registry instead of re-applying genesis.
	w, err = Open(ctx, Options{Workspace: workspace})
	require.NoError(t, err)
	defer w.Close()
	signers, err := w.Engine.ListSigners(ctx, false)
	require.NoError(t, err)
	assert.Len(t, signers, 2)
}

func TestOpenWithoutConfig(t *testing.T) {
	_, err := Open(context.Background(), Options{Workspace: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "msig init")
}
