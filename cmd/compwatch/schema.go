package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	lockBy     string
	lockReason string
	rebaseDesc string
	auditLimit int
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect and maintain the store's structure",
}

var schemaStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recorded version, live checksum and lock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		st, err := svc.SchemaStatus(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

var schemaInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the store and record its initial version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		st, err := svc.SchemaStatus(ctx)
		if err != nil {
			return err
		}
		return printJSON(st.Version)
	},
}

var schemaVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Fail if the live structure differs from the recorded checksum",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.Schema().Verify(ctx); err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, "schema ok")
		return nil
	},
}

var schemaLockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Take the schema lock; runs and migrations refuse to start while held",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()
		return svc.Schema().Lock(ctx, lockBy, lockReason)
	},
}

var schemaUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Release the schema lock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()
		return svc.Schema().Unlock(ctx)
	},
}

var schemaRebaselineCmd = &cobra.Command{
	Use:   "rebaseline",
	Short: "Accept the live structure as a new version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		v, err := svc.Schema().Rebaseline(ctx, rebaseDesc)
		if err != nil {
			return err
		}
		return printJSON(v)
	},
}

var schemaMigrateJSONCmd = &cobra.Command{
	Use:   "migrate-json TABLE COLUMN",
	Short: "Convert a text column holding JSON into a JSONB column",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		mig, err := svc.Schema().MigrateColumnToJSON(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(mig)
	},
}

var schemaAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the schema audit log, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		entries, err := svc.Schema().AuditLog(ctx, auditLimit)
		if err != nil {
			return err
		}
		return printJSON(entries)
	},
}

func init() {
	schemaLockCmd.Flags().StringVar(&lockBy, "by", os.Getenv("USER"), "lock holder")
	schemaLockCmd.Flags().StringVar(&lockReason, "reason", "", "why the lock is taken")
	schemaLockCmd.MarkFlagRequired("reason")
	schemaRebaselineCmd.Flags().StringVar(&rebaseDesc, "description", "", "what changed")
	schemaRebaselineCmd.MarkFlagRequired("description")
	schemaAuditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum entries")

	schemaCmd.AddCommand(schemaStatusCmd, schemaInitCmd, schemaVerifyCmd, schemaLockCmd, schemaUnlockCmd,
		schemaRebaselineCmd, schemaMigrateJSONCmd, schemaAuditCmd)
	rootCmd.AddCommand(schemaCmd)
}
