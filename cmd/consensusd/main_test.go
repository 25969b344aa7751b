package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/eth-consensus/node"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := rootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestKeygenAndInit(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "keys", "node.key")

	out, err := run(t, "keygen", keyFile)
	require.NoError(t, err)
	addr := strings.TrimSpace(out)
	require.True(t, common.IsHexAddress(addr))

	kp, err := node.LoadKey(keyFile)
	require.NoError(t, err)
	require.Equal(t, addr, kp.Address().Hex())

	_, err = run(t, "keygen", keyFile)
	require.ErrorIs(t, err, node.ErrKeyExists)

	path := filepath.Join(dir, "config.yaml")
	_, err = run(t, "init", path,
		"--engine", "pos",
		"--validators", addr,
		"--key-file", keyFile,
		"--produce",
		"--chain-id", "42",
	)
	require.NoError(t, err)

	cfg, err := node.LoadConfig(node.NewViper(), path)
	require.NoError(t, err)
	require.Equal(t, "pos", cfg.Engine)
	require.Equal(t, uint64(42), cfg.ChainID)
	require.Equal(t, []string{addr}, cfg.Validators)
	require.True(t, cfg.Produce)

	_, err = run(t, "init", path, "--validators", addr)
	require.Error(t, err)
	_, err = run(t, "init", path, "--validators", addr, "--force")
	require.NoError(t, err)
}

func TestInitRequiresValidators(t *testing.T) {
	_, err := run(t, "init", filepath.Join(t.TempDir(), "config.yaml"))
	require.ErrorIs(t, err, node.ErrNoValidators)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "consensusd dev")
}
