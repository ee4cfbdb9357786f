package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/caspianwatch/caspianwatch/internal/auth"
	"github.com/caspianwatch/caspianwatch/internal/config"
	"github.com/caspianwatch/caspianwatch/internal/storage"
	"github.com/caspianwatch/caspianwatch/internal/types"
	"github.com/caspianwatch/caspianwatch/internal/ui"
)

var userCmd = &cobra.Command{
	Use:     "user",
	Short:   "Manage identities and roles",
	GroupID: GroupData,
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := registerInputFromFlags(cmd)
		if err != nil {
			return err
		}
		return createIdentity(cmd, in)
	},
}

var createSuperuserCmd = &cobra.Command{
	Use:     "createsuperuser",
	Short:   "Create an administrator account",
	GroupID: GroupSetup,
	Long: `Create a superuser. Missing username or password are asked for
interactively when stdin is a terminal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := registerInputFromFlags(cmd)
		if err != nil {
			return err
		}
		in.Role = types.RoleAdmin
		in.IsSuperuser = true
		if in.Username == "" || in.Password == "" {
			if !ui.IsInteractive() {
				return withHint(errors.New("username and password are required"), "pass --username and --password when not running in a terminal")
			}
			if err := superuserForm(&in); err != nil {
				return err
			}
		}
		return createIdentity(cmd, in)
	},
}

var userSetRoleCmd = &cobra.Command{
	Use:   "set-role <username> <role>",
	Short: "Assign a role (volunteer, resident, manager, admin)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := types.ParseRole(args[1])
		if err != nil {
			return err
		}
		return withStore(func(ctx context.Context, _ *config.Settings, st storage.Storage) error {
			id, err := resolveIdentity(ctx, st, args[0])
			if err != nil {
				return err
			}
			if err := st.SetRole(ctx, id.ID, role); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s is now %s\n", ui.RenderPassIcon(), id.Username, role.Title())
			return nil
		})
	},
}

var userLinkCmd = &cobra.Command{
	Use:   "link <username> <telegram-id>",
	Short: "Bind a Telegram account to an identity",
	Long:  `Bind a Telegram id to an identity. A previous holder of the id loses it.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		handle, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || handle <= 0 {
			return fmt.Errorf("invalid telegram id %q", args[1])
		}
		return withStore(func(ctx context.Context, _ *config.Settings, st storage.Storage) error {
			id, err := resolveIdentity(ctx, st, args[0])
			if err != nil {
				return err
			}
			if err := st.BindHandle(ctx, id.ID, handle); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s linked to telegram id %d\n", ui.RenderPassIcon(), id.Username, handle)
			return nil
		})
	},
}

var userShowCmd = &cobra.Command{
	Use:   "show <username>",
	Short: "Show an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, _ *config.Settings, st storage.Storage) error {
			id, err := resolveIdentity(ctx, st, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(cmd.OutOrStdout(), id)
			}
			printIdentity(cmd, id)
			return nil
		})
	},
}

func printIdentity(cmd *cobra.Command, id *types.Identity) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s %s\n", ui.RenderAccent(id.Username), ui.RenderMuted(fmt.Sprintf("#%d", id.ID)))
	if name := strings.TrimSpace(id.FirstName + " " + id.LastName); name != "" {
		fmt.Fprintf(w, "  Name:      %s\n", name)
	}
	role := id.Role.Title()
	if role == "" {
		role = "-"
	}
	fmt.Fprintf(w, "  Role:      %s\n", role)
	if id.TelegramID != nil {
		fmt.Fprintf(w, "  Telegram:  %d\n", *id.TelegramID)
	}
	if id.IsSuperuser {
		fmt.Fprintf(w, "  Superuser: yes\n")
	}
	fmt.Fprintf(w, "  Completed: %d\n", id.CompletedCount)
}

func registerInputFromFlags(cmd *cobra.Command) (auth.RegisterInput, error) {
	var in auth.RegisterInput
	in.Username, _ = cmd.Flags().GetString("username")
	in.Password, _ = cmd.Flags().GetString("password")
	in.FirstName, _ = cmd.Flags().GetString("first-name")
	in.LastName, _ = cmd.Flags().GetString("last-name")
	if cmd.Flags().Lookup("role") != nil {
		r, _ := cmd.Flags().GetString("role")
		role, err := types.ParseRole(r)
		if err != nil {
			return in, err
		}
		in.Role = role
	}
	if handle, _ := cmd.Flags().GetInt64("telegram-id"); handle != 0 {
		in.TelegramID = &handle
	}
	return in, nil
}

func createIdentity(cmd *cobra.Command, in auth.RegisterInput) error {
	return withStore(func(ctx context.Context, _ *config.Settings, st storage.Storage) error {
		id, err := auth.NewService(st, nil).CreateIdentity(ctx, in)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), id)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Created user %s (#%d)\n", ui.RenderPassIcon(), id.Username, id.ID)
		return nil
	})
}

// superuserForm asks for the fields createsuperuser still needs.
func superuserForm(in *auth.RegisterInput) error {
	var confirm string
	notEmpty := func(field string) func(string) error {
		return func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%s is required", field)
			}
			return nil
		}
	}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Username").
				Value(&in.Username).
				Validate(notEmpty("username")),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&in.Password).
				Validate(notEmpty("password")),
			huh.NewInput().
				Title("Password (again)").
				EchoMode(huh.EchoModePassword).
				Value(&confirm).
				Validate(func(s string) error {
					if s != in.Password {
						return errors.New("passwords do not match")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("First name").
				Value(&in.FirstName),
			huh.NewInput().
				Title("Last name").
				Value(&in.LastName),
		),
	).WithTheme(huh.ThemeDracula())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return errors.New("cancelled")
		}
		return err
	}
	return nil
}

func addIdentityFlags(cmd *cobra.Command) {
	cmd.Flags().String("username", "", "Username")
	cmd.Flags().String("password", "", "Password")
	cmd.Flags().String("first-name", "", "First name")
	cmd.Flags().String("last-name", "", "Last name")
	cmd.Flags().Int64("telegram-id", 0, "Telegram account id")
}

func init() {
	addIdentityFlags(userCreateCmd)
	userCreateCmd.Flags().String("role", "", "Role: volunteer, resident, manager, admin")
	_ = userCreateCmd.MarkFlagRequired("username")
	_ = userCreateCmd.MarkFlagRequired("password")

	addIdentityFlags(createSuperuserCmd)

	userCmd.AddCommand(userCreateCmd, userSetRoleCmd, userLinkCmd, userShowCmd)
	rootCmd.AddCommand(userCmd, createSuperuserCmd)
}
