package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dmthin/tpmeta/pkg/report"
)

var rep report.Report

var (
	flagVerbose bool
	flagDebug   bool
	flagJSON    bool
	flagConfig  string
)

var rootCmd = &cobra.Command{
	Use:   "tpmeta",
	Short: "thin-provisioning metadata engine tools",
	Long: `tpmeta drives the thin-provisioning metadata core directly:
formatting a fresh empty metadata image, flipping its needs_check flag,
and generating synthetic damage for exercising repair tools.`,
}

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "enable json output")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a config file overriding engine defaults")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger := &report.CLI{}

		if flagJSON {
			logger.DisableTTY = true
			logrus.SetFormatter(&logrus.JSONFormatter{})
		} else {
			logrus.SetFormatter(logger)
		}
		logrus.SetLevel(logrus.TraceLevel)

		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}

		rep = logger
		initConfig(flagConfig)
		return nil
	}

	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(setNeedsCheckCmd)
	rootCmd.AddCommand(damageCmd)
	damageCmd.AddCommand(createMetadataLeaksCmd)
}

func init() {
	viper.SetDefault("async_io", false)
	viper.SetDefault("cache_hint", int64(0))
	viper.SetDefault("nr_threads", 0)
	viper.SetDefault("exclusive", true)
}
