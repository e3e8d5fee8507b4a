// Command tokenctl manages bearer credentials against the dispatcher store.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gradelab/gpuqueue/internal/adapter/repo/sqlite"
	"github.com/gradelab/gpuqueue/internal/config"
	"github.com/gradelab/gpuqueue/internal/usecase"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var dbPath string

	root := &cobra.Command{
		Use:           "tokenctl",
		Short:         "Manage bearer credentials for the grading queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "./gpuqueue.db", "path to the dispatcher store")

	openAuth := func(ctx context.Context) (usecase.AuthService, func(), error) {
		cfg, err := config.Load()
		if err != nil {
			return usecase.AuthService{}, nil, err
		}
		store, err := sqlite.Open(ctx, dbPath)
		if err != nil {
			return usecase.AuthService{}, nil, err
		}
		auth := usecase.NewAuthService(store.Credentials(), cfg.CredentialMaxValidity())
		return auth, func() { _ = store.Close() }, nil
	}

	var days int
	var admin bool
	create := &cobra.Command{
		Use:   "create <principal> <secret>",
		Short: "Issue a credential, revoking any prior one for the principal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, closeStore, err := openAuth(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			c, err := auth.CreateCredential(cmd.Context(), args[0], args[1], time.Duration(days)*24*time.Hour, admin)
			if err != nil {
				return err
			}
			fmt.Printf("credential created for %s (admin=%v), expires %s\n",
				c.Principal, c.Admin, c.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	create.Flags().IntVar(&days, "days", 0, "validity in days (0 = maximum allowed)")
	create.Flags().BoolVar(&admin, "admin", false, "grant operator privileges")

	revoke := &cobra.Command{
		Use:   "revoke <secret>",
		Short: "Deactivate the credential matching the secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, closeStore, err := openAuth(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			if err := auth.Revoke(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("credential revoked")
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List credential records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			auth, closeStore, err := openAuth(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			creds, err := auth.ListCredentials(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PRINCIPAL\tADMIN\tACTIVE\tCREATED\tEXPIRES\tHASH")
			for _, c := range creds {
				fmt.Fprintf(tw, "%s\t%v\t%v\t%s\t%s\t%s…\n",
					c.Principal, c.Admin, c.Active,
					c.CreatedAt.Format(time.RFC3339),
					c.ExpiresAt.Format(time.RFC3339),
					c.Hash[:12])
			}
			return tw.Flush()
		},
	}

	root.AddCommand(create, revoke, list)
	return root
}
