package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/brogergvhs/noveld/internal/config"
	"github.com/brogergvhs/noveld/internal/site"

	"github.com/spf13/cobra"
)

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "List the site definitions in the sites directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := config.LoadMerged(config.Options{
			IgnoreConfig: flagIgnoreConfig,
			Debug:        flagDebug,
			SitesDir:     flagSitesDir,
		})
		if err != nil {
			return err
		}

		sites, loadErr := site.LoadDir(cfg.SitesDir)
		if sites == nil && loadErr != nil {
			return fmt.Errorf("%w\nRun `noveld config init` to create a sample site", loadErr)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Sites in %s:\n\n", cfg.SitesDir)
		if err := printSites(cmd.OutOrStdout(), sites); err != nil {
			return err
		}

		if loadErr != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "\nBroken site files:")
			for _, e := range unjoin(loadErr) {
				fmt.Fprintln(cmd.ErrOrStderr(), "  ", e)
			}
		}
		return nil
	},
}

func printSites(out io.Writer, sites site.Sites) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tMODE\tLANG\tBASE URL")
	for _, name := range sites.Names() {
		s := sites[name]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Mode(), s.Lang, s.BaseURL)
	}
	return w.Flush()
}

func init() {
	sitesCmd.Flags().StringVar(&flagSitesDir, "sites-dir", "", "directory with site YAML files")
	rootCmd.AddCommand(sitesCmd)
}
