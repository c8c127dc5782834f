package cmd

import (
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/domain"
)

var applyCmd = &cobra.Command{
	Use:     "apply",
	Short:   "Validate and register the feature repo",
	Long:    `Load the repo, check every reference and connect its stores. Prints the registered objects.`,
	PreRunE: bindFlags,
	RunE:    runApply,
}

type applySummary struct {
	Project         string   `json:"project"`
	Version         int64    `json:"version"`
	Entities        []string `json:"entities"`
	Datasources     []string `json:"datasources"`
	FeatureViews    []string `json:"feature_views"`
	FeatureServices []string `json:"feature_services"`
}

func runApply(cmd *cobra.Command, _ []string) error {
	repo, err := api.LoadRepo(viper.GetString("repo"))
	if err != nil {
		return err
	}
	client, err := newClient("apply")
	if err != nil {
		return err
	}
	defer client.Close()

	p, err := client.Apply(repo)
	if err != nil {
		return err
	}
	return printJSON(cmd, summarize(p))
}

func summarize(p *domain.Project) applySummary {
	s := applySummary{Project: p.ProjectName, Version: p.Version}
	for name := range p.FeatureEntityMap {
		s.Entities = append(s.Entities, name)
	}
	for name := range p.SourceMap {
		s.Datasources = append(s.Datasources, name)
	}
	for name := range p.FeatureViewMap {
		s.FeatureViews = append(s.FeatureViews, name)
	}
	for name := range p.FeatureServiceMap {
		s.FeatureServices = append(s.FeatureServices, name)
	}
	sort.Strings(s.Entities)
	sort.Strings(s.Datasources)
	sort.Strings(s.FeatureViews)
	sort.Strings(s.FeatureServices)
	return s
}
