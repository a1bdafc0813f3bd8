package version

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/catalogkit/assetview/internal/buildinfo"
)

// Command creates the version command
func Command(build *buildinfo.Context) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !asJSON {
				_, err := fmt.Fprintln(out, build.String())
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{
				"version":    build.Version(),
				"commit":     build.Commit(),
				"build_date": build.BuildDate(),
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}
