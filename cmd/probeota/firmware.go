package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nerrad567/probe-ota-core/internal/firmware"
	"github.com/nerrad567/probe-ota-core/internal/infrastructure/logging"
	"github.com/nerrad567/probe-ota-core/internal/probe"
)

// newFirmwareCmd groups the catalog maintenance commands. They only touch
// the database, so they can run next to a serving instance.
func newFirmwareCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "firmware",
		Short: "Manage the firmware image catalog",
	}
	cmd.AddCommand(newFirmwareAddCmd(opts), newFirmwareListCmd(opts))
	return cmd
}

func newFirmwareAddCmd(opts *rootOptions) *cobra.Command {
	var product, fwVersion string

	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Register a firmware file for a product type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), opts, func(ctx context.Context, catalog *firmware.Catalog) error {
				img, err := catalog.Add(ctx, args[0], probe.ProductType(product), fwVersion)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s: %s %s (%d bytes, sha256 %s)\n",
					img.ID, img.ProductType, img.Version, img.SizeBytes, img.SHA256)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&product, "product", "", "product type the image is built for")
	cmd.Flags().StringVar(&fwVersion, "version", "", "firmware version string")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func newFirmwareListCmd(opts *rootOptions) *cobra.Command {
	var product string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalogued images, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCatalog(cmd.Context(), opts, func(ctx context.Context, catalog *firmware.Catalog) error {
				var pt probe.ProductType
				if product != "" {
					pt = probe.ParseProductType(product)
					if !pt.Known() {
						return fmt.Errorf("unknown product type %q", product)
					}
				}
				images, err := catalog.List(ctx, pt)
				if err != nil {
					return err
				}
				return printImages(cmd.OutOrStdout(), images)
			})
		},
	}

	cmd.Flags().StringVar(&product, "product", "", "only list images for this product type")
	return cmd
}

// withCatalog opens the configured database for the duration of fn.
func withCatalog(ctx context.Context, opts *rootOptions, fn func(context.Context, *firmware.Catalog) error) error {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging, version)

	db, catalog, err := openCatalog(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(ctx, catalog)
}

func printImages(w io.Writer, images []firmware.Image) error {
	if len(images) == 0 {
		_, err := fmt.Fprintln(w, "no firmware images")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRODUCT\tVERSION\tSIZE\tADDED\tPATH")
	for _, img := range images {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			img.ID, img.ProductType, img.Version, img.SizeBytes,
			img.CreatedAt.Local().Format("2006-01-02 15:04"), img.Path)
	}
	return tw.Flush()
}
