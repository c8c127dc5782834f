package cmd

import (
	"fmt"

	"github.com/antihax/optional"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aliyun/aliyun-pai-featurestore-core/featurestore"
	"github.com/aliyun/aliyun-pai-featurestore-core/materialize"
)

var (
	materializeCmd = &cobra.Command{
		Use:     "materialize",
		Short:   "Copy the latest offline rows of a time range into the online store",
		PreRunE: bindFlags,
		RunE:    runMaterialize,
	}
	materializeIncrementalCmd = &cobra.Command{
		Use:     "materialize-incremental",
		Short:   "Materialize every view from where its last successful job ended",
		PreRunE: bindFlags,
		RunE:    runMaterializeIncremental,
	}
)

func init() {
	for _, c := range []*cobra.Command{materializeCmd, materializeIncrementalCmd} {
		c.Flags().StringSlice("views", nil, "feature views to materialize (default all)")
		c.Flags().String("start", "", "range start, RFC3339")
		c.Flags().String("end", "", "range end, RFC3339")
	}
}

func runMaterialize(cmd *cobra.Command, _ []string) error {
	start, err := parseTime("start")
	if err != nil {
		return err
	}
	end, err := parseTime("end")
	if err != nil {
		return err
	}
	if end.IsZero() {
		return fmt.Errorf("--end is required")
	}
	client, err := newClient("materialize", featurestore.WithRepoPath(viper.GetString("repo")))
	if err != nil {
		return err
	}
	defer client.Close()

	jobs, err := client.MaterializeAll(cmd.Context(), viper.GetStringSlice("views"), start, end)
	if err != nil {
		return err
	}
	return report(cmd, jobs)
}

func runMaterializeIncremental(cmd *cobra.Command, _ []string) error {
	opts := materialize.IncrementalOptions{Views: viper.GetStringSlice("views")}
	end, err := parseTime("end")
	if err != nil {
		return err
	}
	opts.End = end
	start, err := parseTime("start")
	if err != nil {
		return err
	}
	if !start.IsZero() {
		opts.Start = optional.NewTime(start)
	}
	client, err := newClient("materialize", featurestore.WithRepoPath(viper.GetString("repo")))
	if err != nil {
		return err
	}
	defer client.Close()

	jobs, err := client.MaterializeIncremental(cmd.Context(), opts)
	if err != nil {
		return err
	}
	return report(cmd, jobs)
}

// report prints the jobs and fails when any of them did not succeed.
func report(cmd *cobra.Command, jobs []*materialize.Job) error {
	if err := printJSON(cmd, jobs); err != nil {
		return err
	}
	failed := 0
	for _, job := range jobs {
		if job.Status != materialize.StatusSucceeded {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d materialization jobs did not succeed", failed, len(jobs))
	}
	return nil
}
