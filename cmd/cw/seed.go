package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caspianwatch/caspianwatch/internal/blob"
	"github.com/caspianwatch/caspianwatch/internal/config"
	"github.com/caspianwatch/caspianwatch/internal/seed"
	"github.com/caspianwatch/caspianwatch/internal/storage"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

var seedCmd = &cobra.Command{
	Use:     "seed",
	Short:   "Create pollution types and seed identities",
	GroupID: GroupSetup,
	Long: `Create the pollution types and any identities listed in the seed file.

Without --file the built-in data is used. Existing rows are left untouched,
so seeding is safe to repeat.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		data, err := loadSeedData(path)
		if err != nil {
			return err
		}
		return withStore(func(ctx context.Context, _ *config.Settings, st storage.Storage) error {
			res, err := seed.Apply(ctx, st, data)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pollution types: %d created, %d already present\n", res.CategoriesCreated, res.CategoriesExisting)
			fmt.Fprintf(cmd.OutOrStdout(), "Identities: %d created, %d already present\n", res.IdentitiesCreated, res.IdentitiesExisting)
			return nil
		})
	},
}

var fakeCmd = &cobra.Command{
	Use:     "fake",
	Short:   "Generate demo data",
	GroupID: GroupSetup,
}

var fakeReportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Create demo reports around Caspian coastal cities",
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		jitter, _ := cmd.Flags().GetFloat64("jitter")
		reporter, _ := cmd.Flags().GetString("reporter")
		path, _ := cmd.Flags().GetString("file")
		if count <= 0 {
			return fmt.Errorf("--count must be positive")
		}
		data, err := loadSeedData(path)
		if err != nil {
			return err
		}

		return withStore(func(ctx context.Context, s *config.Settings, st storage.Storage) error {
			images, err := blob.NewFSStore(s.Media.Root, s.Media.MaxUploadSize)
			if err != nil {
				return err
			}
			opts := seed.FakeOptions{Count: count, Bucket: blob.BucketReports, Jitter: jitter}
			if reporter != "" {
				id, err := resolveIdentity(ctx, st, reporter)
				if err != nil {
					return err
				}
				opts.ReportedBy = &id.ID
			}
			reports, err := seed.FakeReports(ctx, st, images, data, opts)
			if err != nil {
				return withHint(err, "run `cw seed` to create pollution types")
			}
			if jsonOutput {
				return outputJSON(cmd.OutOrStdout(), reports)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %d reports\n", len(reports))
			return nil
		})
	},
}

func loadSeedData(path string) (*seed.Data, error) {
	if path == "" {
		return seed.Default()
	}
	return seed.Load(path)
}

// resolveIdentity looks an identity up by username.
func resolveIdentity(ctx context.Context, st storage.Storage, username string) (*types.Identity, error) {
	id, err := st.GetIdentityByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", username, err)
	}
	return id, nil
}

func init() {
	seedCmd.Flags().String("file", "", "Seed file in TOML (default: built-in data)")

	fakeReportsCmd.Flags().Int("count", 20, "Number of reports to create")
	fakeReportsCmd.Flags().Float64("jitter", 0.05, "Random offset in degrees applied to each location")
	fakeReportsCmd.Flags().String("reporter", "", "Username credited as reporter (default: anonymous)")
	fakeReportsCmd.Flags().String("file", "", "Seed file with locations and descriptions")
	fakeCmd.AddCommand(fakeReportsCmd)

	rootCmd.AddCommand(seedCmd, fakeCmd)
}
