package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/compozy/taskengine/engine/app"
	"github.com/compozy/taskengine/pkg/config"
	"github.com/spf13/cobra"
)

func AppsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apps",
		Short: "Inspect installed app manifests",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load every manifest and list what it declares",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromContext(cmd.Context())
			reg, err := app.LoadDir(cfg.Apps.Dir)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "APP\tTASKS\tEVENTS\tPROFILES")
			for _, m := range reg.List() {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", m.Identifier, len(m.Tasks), len(m.Events), len(m.ContainerProfiles))
			}
			return w.Flush()
		},
	})
	return cmd
}
