package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/featurestore"
	"github.com/aliyun/aliyun-pai-featurestore-core/logger"
	"github.com/aliyun/aliyun-pai-featurestore-core/materialize"
)

const Version = "0.1.0"

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "fsctl",
		Short: "feature store core",
		Long: fmt.Sprintf(`fsctl (v%s)

Registers feature definitions, ingests pushed feature rows, materializes
feature views into the online store and serves online and point-in-time
correct historical features over HTTP.

Every flag can also be set as an environment variable FS_<FLAG>, e.g.
FS_ONLINE_STORE_TYPE=redis. A .env file in the working directory is read
first.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of fsctl",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fsctl v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(applyCmd)
	RootCmd.AddCommand(materializeCmd)
	RootCmd.AddCommand(materializeIncrementalCmd)

	flags := RootCmd.PersistentFlags()
	flags.String("repo", "feature_repo", "YAML file or directory holding the feature repo")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("online-store-type", "", "overrides the repo's online store (memory, redis, mysql, hologres, postgres, tablestore)")
	flags.String("online-store-address", "", "redis address of the online store")
	flags.String("online-store-password", "", "redis password of the online store")
	flags.String("online-store-dsn", "", "mysql / postgres DSN of the online store")
	flags.String("online-store-endpoint", "", "tablestore endpoint of the online store")
	flags.String("online-store-instance", "", "tablestore instance of the online store")
	flags.String("offline-store-type", "", "overrides the repo's offline store (memory, hologres, postgres)")
	flags.String("offline-store-dsn", "", "postgres DSN of the offline store")
	flags.Duration("max-clock-skew", 5*time.Minute, "push rows further in the future are rejected")
	flags.String("boundary-policy", "inclusive", "materialization range start (inclusive, left_exclusive)")
	flags.Int("parallelism", 4, "feature views materialized at once")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initConfig reads .env files and FS_ environment variables.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("fs")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// bindFlags binds the flags of cmd, its own and inherited, to viper.
func bindFlags(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

func storeConfig(prefix string) *api.StoreConfig {
	typ := viper.GetString(prefix + "-type")
	if typ == "" {
		return nil
	}
	return &api.StoreConfig{
		Type:         typ,
		Address:      viper.GetString(prefix + "-address"),
		Password:     viper.GetString(prefix + "-password"),
		DSN:          viper.GetString(prefix + "-dsn"),
		Endpoint:     viper.GetString(prefix + "-endpoint"),
		InstanceName: viper.GetString(prefix + "-instance"),
	}
}

// newClient builds a client from the bound flags. extra options are applied
// last.
func newClient(component string, extra ...featurestore.ClientOption) (*featurestore.FeatureStoreClient, error) {
	policy, err := materialize.ParseBoundaryPolicy(viper.GetString("boundary-policy"))
	if err != nil {
		return nil, err
	}
	opts := []featurestore.ClientOption{
		featurestore.WithLeveledLogger(logger.New(component, logger.ParseLevel(viper.GetString("log-level")))),
		featurestore.WithMaxClockSkew(viper.GetDuration("max-clock-skew")),
		featurestore.WithBoundaryPolicy(policy),
		featurestore.WithMaterializeParallelism(viper.GetInt("parallelism")),
	}
	if cfg := storeConfig("online-store"); cfg != nil {
		opts = append(opts, featurestore.WithOnlineStore(cfg))
	}
	if cfg := storeConfig("offline-store"); cfg != nil {
		opts = append(opts, featurestore.WithOfflineStore(cfg))
	}
	return featurestore.NewFeatureStoreClient(append(opts, extra...)...)
}

func parseTime(flag string) (time.Time, error) {
	s := viper.GetString(flag)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q, want RFC3339: %w", flag, s, err)
	}
	return t, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
