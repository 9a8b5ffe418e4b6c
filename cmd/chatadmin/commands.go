package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/suPer8Hu/projectchat/internal/app"
	"github.com/suPer8Hu/projectchat/internal/auth"
	"github.com/suPer8Hu/projectchat/internal/config"
	"github.com/suPer8Hu/projectchat/internal/logger"
	"github.com/suPer8Hu/projectchat/internal/project"
)

// appOpener is swapped in tests for an in-memory database.
type appOpener func() (*app.App, error)

func openApp() (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	return app.New(cfg)
}

// withApp runs fn against a freshly opened app and closes it afterwards.
func withApp(open appOpener, fn func(a *app.App) error) error {
	a, err := open()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newRootCmd(open appOpener) *cobra.Command {
	root := &cobra.Command{
		Use:           "chatadmin",
		Short:         "Administer projectchat: schema, provider keys, projects and tokens",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCmd(open),
		newCredentialsCmd(open),
		newProjectsCmd(open),
		newTokenCmd(open),
	)
	return root
}

func newMigrateCmd(open appOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(open, func(a *app.App) error {
				if err := a.Migrate(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrated")
				return nil
			})
		},
	}
}

func newCredentialsCmd(open appOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Manage stored provider API keys",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <provider> <api-key>",
			Short: "Store or replace the API key for a provider",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(open, func(a *app.App) error {
					provider := strings.ToLower(args[0])
					if !a.Registry.Supports(provider) {
						return fmt.Errorf("unknown provider %q", provider)
					}
					if err := a.Creds.Set(cmd.Context(), provider, args[1]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "stored key for %s\n", provider)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List providers with a stored key",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(open, func(a *app.App) error {
					creds, err := a.Creds.List(cmd.Context())
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "PROVIDER\tKEY\tUPDATED")
					for _, c := range creds {
						fmt.Fprintf(w, "%s\t%s\t%s\n", c.Provider, c.Hint, c.UpdatedAt.Format(time.RFC3339))
					}
					return w.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "delete <provider>",
			Short: "Remove the stored key for a provider",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(open, func(a *app.App) error {
					if err := a.Creds.Delete(cmd.Context(), strings.ToLower(args[0])); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted key for %s\n", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

func newProjectsCmd(open appOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Manage projects backed by a vector store",
	}

	var p project.Project
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(p.Name) == "" {
				return fmt.Errorf("--name is required")
			}
			if p.OwnerID == 0 {
				return fmt.Errorf("--owner is required")
			}
			return withApp(open, func(a *app.App) error {
				np := p
				if err := a.Projects.Create(cmd.Context(), &np); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created project %d\n", np.ID)
				return nil
			})
		},
	}
	f := create.Flags()
	f.StringVar(&p.Name, "name", "", "project name")
	f.Uint64Var(&p.OwnerID, "owner", 0, "owning user id")
	f.BoolVar(&p.Public, "public", false, "visible to every user")
	f.StringVar(&p.Instructions, "instructions", "", "system instructions for the model")
	f.StringVar(&p.DefaultModel, "model", "", "model override for this project")
	f.StringVar(&p.VectorStoreID, "vector-store", "", "OpenAI vector store id")
	f.IntVar(&p.MaxResults, "max-results", 0, "file_search result cap (0 = vendor default)")

	setVS := &cobra.Command{
		Use:   "set-vector-store <project-id> <vector-store-id>",
		Short: "Attach a vector store to a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid project id %q", args[0])
			}
			return withApp(open, func(a *app.App) error {
				if err := a.Projects.SetVectorStore(cmd.Context(), id, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "project %d now uses %s\n", id, args[1])
				return nil
			})
		},
	}

	var user uint64
	list := &cobra.Command{
		Use:   "list",
		Short: "List projects a user can access",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(open, func(a *app.App) error {
				ps, err := a.Projects.ListAccessible(cmd.Context(), user)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tOWNER\tPUBLIC\tVECTOR STORE")
				for _, p := range ps {
					fmt.Fprintf(w, "%d\t%s\t%d\t%t\t%s\n", p.ID, p.Name, p.OwnerID, p.Public, p.VectorStoreID)
				}
				return w.Flush()
			})
		},
	}
	list.Flags().Uint64Var(&user, "user", 0, "user id")

	cmd.AddCommand(create, setVS, list)
	return cmd
}

func newTokenCmd(open appOpener) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || uid == 0 {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			return withApp(open, func(a *app.App) error {
				tok, err := auth.SignJWT(uid, a.Cfg.JWTSecret, ttl)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tok)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
