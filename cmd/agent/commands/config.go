package commands

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the agent configuration",
	}
	cmd.AddCommand(configShowCmd)
	return cmd
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration and active profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "cache_base_path\t%s\n", cfg.CachePath())
		fmt.Fprintf(w, "cache_page_size\t%d\n", cfg.Agent.CachePageSize)
		fmt.Fprintf(w, "cache_soft_cache_size\t%s\n", cfg.Agent.CacheSoftSize)
		fmt.Fprintf(w, "cache_hard_cache_size\t%s\n", cfg.Agent.CacheHardSize)
		fmt.Fprintf(w, "proxy\t%t (port %d)\n", cfg.Agent.Proxy, cfg.Agent.ProxyLocalPort)
		fmt.Fprintf(w, "timeseries\t%t (port %d)\n", cfg.Agent.Timeseries, cfg.Agent.TimeseriesLocalPort)
		fmt.Fprintf(w, "uploader\t%t\n", cfg.Agent.Uploader)
		fmt.Fprintf(w, "metrics\t%t\n", cfg.Agent.Metrics)
		fmt.Fprintf(w, "status_port\t%d\n", cfg.Agent.StatusPort)

		profiles := make([]string, 0, len(cfg.Profiles))
		for name := range cfg.Profiles {
			profiles = append(profiles, name)
		}
		sort.Strings(profiles)
		fmt.Fprintf(w, "profiles\t%v\n", profiles)

		if profile, err := cfg.ActiveProfile(); err == nil {
			fmt.Fprintf(w, "active_profile\t%s (%s)\n", profile.Name, profile.APIHost())
		} else {
			fmt.Fprintf(w, "active_profile\t(none: %v)\n", err)
		}
		return w.Flush()
	},
}
