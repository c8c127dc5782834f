package cmd

import (
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aliyun/aliyun-pai-featurestore-core/featurestore"
	"github.com/aliyun/aliyun-pai-featurestore-core/logger"
	"github.com/aliyun/aliyun-pai-featurestore-core/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the feature server",
	Long:    `Apply the repo and serve push, online and historical retrieval and materialization over HTTP until interrupted.`,
	PreRunE: bindFlags,
	RunE:    runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("endpoint", "0.0.0.0:6566", "address the HTTP API listens on")
	flags.String("schedule", "", "cron schedule of incremental materialization, e.g. \"0 */15 * * * *\" (empty disables it)")
	flags.Duration("reload-interval", 0, "reload the repo at this interval (0 disables it)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	repo := viper.GetString("repo")
	opts := []featurestore.ClientOption{featurestore.WithRepoPath(repo)}
	if interval := viper.GetDuration("reload-interval"); interval > 0 {
		opts = append(opts, featurestore.WithLoopLoadRepo(repo, interval))
	}
	if schedule := viper.GetString("schedule"); schedule != "" {
		opts = append(opts, featurestore.WithSchedule(schedule))
	}
	client, err := newClient("client", opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	lis, err := net.Listen("tcp", viper.GetString("endpoint"))
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := server.New(client, server.WithLogger(logger.New("server", logger.ParseLevel(viper.GetString("log-level")))))
	return s.Serve(ctx, lis)
}
