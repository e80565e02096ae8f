package main

import (
	"strings"

	"github.com/spf13/viper"
)

// initConfig layers an optional config file and TPMETA_-prefixed
// environment variables over the engine option defaults for this
// tool's own option set (async_io, cache_hint, nr_threads, exclusive).
// Only an explicitly named config file is read; no home-directory or
// default config location is searched.
func initConfig(cfgFile string) {
	viper.SetEnvPrefix("tpmeta")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err == nil {
			rep.Debugf("using config file: %s", viper.ConfigFileUsed())
		} else {
			rep.Debugf("could not read config file %s: %v", cfgFile, err)
		}
	}
}

func engineAsyncIO() bool    { return viper.GetBool("async_io") }
func engineCacheHint() int64 { return viper.GetInt64("cache_hint") }
func engineNrThreads() int   { return viper.GetInt("nr_threads") }
func engineExclusive() bool  { return viper.GetBool("exclusive") }
