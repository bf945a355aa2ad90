package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"agrivetpos/backend/internal/app"
	"agrivetpos/backend/internal/domain"
	"agrivetpos/backend/internal/store"
)

type createUserOptions struct {
	username string
	password string
	role     string
}

func NewUsersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage staff accounts",
	}
	cmd.AddCommand(newCreateUserCommand(rootOpts))
	cmd.AddCommand(newListUsersCommand(rootOpts))
	return cmd
}

func newCreateUserCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &createUserOptions{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a staff account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := opts.account()
			if err != nil {
				return err
			}
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Repo.CreateUser(ctx, user); err != nil {
					if errors.Is(err, store.ErrConflict) {
						return fmt.Errorf("user %q already exists", user.Username)
					}
					return err
				}
				return rootOpts.emit(cmd.OutOrStdout(),
					map[string]string{"username": user.Username, "role": user.Role},
					fmt.Sprintf("created %s (%s)", user.Username, user.Role))
			})
		},
	}
	cmd.Flags().StringVar(&opts.username, "username", "", "login name")
	cmd.Flags().StringVar(&opts.password, "password", "", "initial password, at least 8 characters")
	cmd.Flags().StringVar(&opts.role, "role", domain.RoleCashier, "cashier, manager or admin")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func (o *createUserOptions) account() (domain.UserAccount, error) {
	username := strings.ToLower(strings.TrimSpace(o.username))
	if username == "" {
		return domain.UserAccount{}, errors.New("username is required")
	}
	if len(o.password) < 8 {
		return domain.UserAccount{}, errors.New("password must be at least 8 characters")
	}
	switch o.role {
	case domain.RoleCashier, domain.RoleManager, domain.RoleAdmin:
	default:
		return domain.UserAccount{}, fmt.Errorf("unknown role %q", o.role)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(o.password), bcrypt.DefaultCost)
	if err != nil {
		return domain.UserAccount{}, err
	}
	return domain.UserAccount{
		Username:  username,
		Password:  string(hash),
		Role:      o.role,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}, nil
}

type userView struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	Active   bool   `json:"active"`
}

func newListUsersCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List staff accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				users, err := a.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				views := make([]userView, 0, len(users))
				lines := make([]string, 0, len(users))
				for _, u := range users {
					views = append(views, userView{Username: u.Username, Role: u.Role, Active: u.Active})
					lines = append(lines, fmt.Sprintf("%s\t%s\tactive=%t", u.Username, u.Role, u.Active))
				}
				return rootOpts.emit(cmd.OutOrStdout(), views, strings.Join(lines, "\n"))
			})
		},
	}
}
