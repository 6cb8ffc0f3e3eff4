package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sakif/cellrunner/internal/auth"
	sqliteRepo "github.com/sakif/cellrunner/internal/repository/sqlite"
	"github.com/sakif/cellrunner/internal/service"
)

var apikeyCmd = &cobra.Command{
	Use:     "apikey",
	Aliases: []string{"apikeys", "key"},
	Short:   "Manage API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an API key and print it once",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeyCreate,
}

var apikeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE:  runAPIKeyList,
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeyRevoke,
}

func init() {
	rootCmd.AddCommand(apikeyCmd)
	apikeyCmd.AddCommand(apikeyCreateCmd, apikeyListCmd, apikeyRevokeCmd)
}

func openKeys() (*service.APIKeyService, func(), error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := sqliteRepo.New(cfg.Storage.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return service.NewAPIKeyService(db, auth.NewKeyHasher(), logger), func() { db.Close() }, nil
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	keys, closeDB, err := openKeys()
	if err != nil {
		return err
	}
	defer closeDB()

	key, token, err := keys.Create(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Created key %s (%s). Store it now; it cannot be shown again.\n", key.ID, key.Name)
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runAPIKeyList(cmd *cobra.Command, args []string) error {
	keys, closeDB, err := openKeys()
	if err != nil {
		return err
	}
	defer closeDB()

	list, err := keys.List(context.Background())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No API keys found.")
		return nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-22s %-24s %-9s %-16s %s\n", "ID", "NAME", "STATUS", "CREATED", "LAST USED")
	fmt.Fprintln(out, strings.Repeat("─", 85))
	for _, k := range list {
		name := k.Name
		if len(name) > 22 {
			name = name[:22] + ".."
		}
		status := "active"
		if !k.Active() {
			status = "revoked"
		}
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = humanize.Time(*k.LastUsedAt)
		}
		fmt.Fprintf(out, "%-22s %-24s %-9s %-16s %s\n",
			k.ID, name, status, humanize.Time(k.CreatedAt), lastUsed)
	}
	return nil
}

func runAPIKeyRevoke(cmd *cobra.Command, args []string) error {
	keys, closeDB, err := openKeys()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := keys.Revoke(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
	return nil
}
