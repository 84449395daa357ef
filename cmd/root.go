package cmd

import (
	"os"

	configs "github.com/chainsink/indexer/configs"
	customLogger "github.com/chainsink/indexer/internal/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "chainsink",
		Short: "EVM event indexer",
		Long:  "Indexes contract events from EVM networks into relational, columnar, CSV and stream sinks.",
		Run: func(cmd *cobra.Command, args []string) {
			RunIndexer(cmd, args)
		},
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/config.yml)")
	rootCmd.PersistentFlags().String("manifest", "", "Path to the indexing manifest yaml")
	rootCmd.PersistentFlags().String("log-level", "", "Log level to use for the application")
	rootCmd.PersistentFlags().Bool("log-prettify", false, "Whether to prettify the log output")
	rootCmd.PersistentFlags().Int("rpc-max-concurrent-requests", 0, "Simultaneous in-flight RPC requests per network")
	rootCmd.PersistentFlags().Int("rpc-max-retries", 0, "Retries per RPC call on transient errors")
	rootCmd.PersistentFlags().Int("rpc-request-timeout", 0, "Per-request RPC timeout in seconds")
	rootCmd.PersistentFlags().Int("fetcher-channel-size", 0, "Batches buffered between fetcher and processor")
	rootCmd.PersistentFlags().Int("scheduler-max-concurrent-tasks", 0, "Simultaneously active pipelines")
	rootCmd.PersistentFlags().Int("scheduler-shutdown-timeout", 0, "Shutdown hard deadline in seconds")
	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection string for the relational sink")
	viper.BindPFlag("manifestPath", rootCmd.PersistentFlags().Lookup("manifest"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.prettify", rootCmd.PersistentFlags().Lookup("log-prettify"))
	viper.BindPFlag("rpc.maxConcurrentRequests", rootCmd.PersistentFlags().Lookup("rpc-max-concurrent-requests"))
	viper.BindPFlag("rpc.maxRetries", rootCmd.PersistentFlags().Lookup("rpc-max-retries"))
	viper.BindPFlag("rpc.requestTimeout", rootCmd.PersistentFlags().Lookup("rpc-request-timeout"))
	viper.BindPFlag("fetcher.channelSize", rootCmd.PersistentFlags().Lookup("fetcher-channel-size"))
	viper.BindPFlag("scheduler.maxConcurrentTasks", rootCmd.PersistentFlags().Lookup("scheduler-max-concurrent-tasks"))
	viper.BindPFlag("scheduler.shutdownTimeout", rootCmd.PersistentFlags().Lookup("scheduler-shutdown-timeout"))
	viper.BindPFlag("database.url", rootCmd.PersistentFlags().Lookup("database-url"))
	rootCmd.AddCommand(indexerCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	configs.LoadConfig(cfgFile)
	customLogger.InitLogger()
}
