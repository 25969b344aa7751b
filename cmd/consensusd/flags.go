package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	configFlag      = "config"
	engineFlag      = "engine"
	forkChoiceFlag  = "fork-choice"
	validatorsFlag  = "validators"
	keyFileFlag     = "key-file"
	produceFlag     = "produce"
	listenFlag      = "listen"
	syncPeerFlag    = "sync-peer"
	metricsFlag     = "metrics"
	metricsAddrFlag = "metrics-addr"
	logLevelFlag    = "log-level"
	dataDirFlag     = "data-dir"
	forceFlag       = "force"
)

// nodeFlags maps command line flags to config keys.
var nodeFlags = map[string]string{
	engineFlag:      "engine",
	forkChoiceFlag:  "fork_choice",
	validatorsFlag:  "validators",
	keyFileFlag:     "key_file",
	produceFlag:     "produce",
	listenFlag:      "listen_addr",
	syncPeerFlag:    "sync_peer",
	metricsFlag:     "metrics_enabled",
	metricsAddrFlag: "metrics_addr",
	logLevelFlag:    "log_level",
	dataDirFlag:     "data_dir",
}

func addNodeFlags(fs *pflag.FlagSet) {
	fs.String(engineFlag, "clique", "Consensus engine (clique|poa|pos)")
	fs.String(forkChoiceFlag, "", "Fork choice rule (longest|ghost|lmd-ghost|casper-ffg), empty for the engine default")
	fs.StringSlice(validatorsFlag, nil, "Comma-separated validator addresses")
	fs.String(keyFileFlag, "", "Path to the hex-encoded signing key")
	fs.Bool(produceFlag, false, "Produce blocks with the signing key")
	fs.String(listenFlag, "0.0.0.0:30405", "gRPC listen address")
	fs.String(syncPeerFlag, "", "gRPC address of a peer to sync from on start")
	fs.Bool(metricsFlag, true, "Serve Prometheus metrics")
	fs.String(metricsAddrFlag, "0.0.0.0:26660", "Metrics listen address")
	fs.String(logLevelFlag, "info", "Log level (debug|info|warn|error)")
	fs.String(dataDirFlag, "./data", "Data directory")
}

// bindNodeFlags binds only the flags that were set, so config files and
// environment variables keep precedence over flag defaults.
func bindNodeFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range nodeFlags {
		f := fs.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "failed to bind --%s", name)
		}
	}
	return nil
}
