package resolve

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/catalogkit/assetview/internal/conf"
	"github.com/catalogkit/assetview/internal/imageresolver"
	"github.com/catalogkit/assetview/internal/session"
)

// Catalog is the YAML document read by the resolve command. Slot applies to
// every rendered product.
type Catalog struct {
	Products []imageresolver.Product  `yaml:"products"`
	Slot     imageresolver.SlotConfig `yaml:"slot,omitempty"`
}

// Options configure one resolve run
type Options struct {
	Variant string
	Render  bool
	Timeout time.Duration
}

// Command creates the resolve command.
func Command(settings *conf.Settings) *cobra.Command {
	opts := Options{}

	cmd := &cobra.Command{
		Use:   "resolve [catalog.yaml]",
		Short: "Resolve image URLs for a product catalog",
		Long: "Print the candidate image for every product in a catalog file. " +
			"With --render each candidate is probed and recovered the way a live slot would be.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := ReadCatalog(args[0])
			if err != nil {
				return err
			}
			return Run(cmd.Context(), settings, catalog, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Variant, "variant", string(imageresolver.VariantResponsive), "Image variant (responsive, minithumb, mobile, tablet, desktop)")
	cmd.Flags().BoolVar(&opts.Render, "render", false, "Probe each image and report the URL that actually loads")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 15*time.Second, "Time allowed per rendered product")
	return cmd
}

// ReadCatalog parses a YAML catalog file
func ReadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading catalog: %w", err)
	}
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("error parsing catalog %s: %w", path, err)
	}
	return &catalog, nil
}

// Run resolves every product in catalog and writes a table to out
func Run(ctx context.Context, settings *conf.Settings, catalog *Catalog, opts Options, out io.Writer) error {
	v, err := imageresolver.ParseVariant(opts.Variant)
	if err != nil {
		return err
	}

	// a one-shot run never subscribes to live events
	local := *settings
	local.MQTT.Enabled = false

	sess, err := session.New(&local, session.Deps{})
	if err != nil {
		return err
	}
	defer sess.Close()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if opts.Render {
		fmt.Fprintln(tw, "PRODUCT\tSTATE\tSOURCE\tURL")
	} else {
		fmt.Fprintln(tw, "PRODUCT\tSOURCE\tURL")
	}

	for _, p := range catalog.Products {
		if !opts.Render {
			cand := sess.Resolve(p, v)
			fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, cand.Source, cand.URL)
			continue
		}

		rctx, cancel := context.WithTimeout(ctx, opts.Timeout)
		st, err := sess.Render(rctx, p, v, catalog.Slot)
		cancel()
		state := st.State.String()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			state += " (unsettled)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, state, st.Source, st.URL)
	}
	return tw.Flush()
}
