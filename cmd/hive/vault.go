package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/vault"
)

func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return errors.New("HIVE_VAULT_PASSPHRASE environment variable is required")
	}

	v := vault.New(cfg.Vault.Passphrase)

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	switch args[0] {
	case "list":
		return vaultList(os.Stdout, db)
	case "set":
		return vaultSet(os.Stdout, db, v, args[1:])
	case "get":
		return vaultGet(os.Stdout, db, v, args[1:])
	case "delete":
		return vaultDelete(os.Stdout, db, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: hive vault <command>

Commands:
  list                                              List all secrets (metadata only)
  set <name> --value <str> [--description <text>]   Store a secret
  set <name> --file <path> [--description <text>]   Store a secret read from a file
  get <name>                                        Retrieve and decrypt a secret
  delete <name>                                     Delete a secret

Reference a stored secret from the config as "secret:<name>".

Environment:
  HIVE_VAULT_PASSPHRASE   Required. Encryption passphrase.
`)
}

func vaultList(w io.Writer, db *store.Store) error {
	secrets, err := db.ListSecrets()
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		fmt.Fprintln(w, "No secrets stored.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tUPDATED\tDESCRIPTION")
	for _, s := range secrets {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.UpdatedAt.Format("2006-01-02 15:04"), s.Description)
	}
	return tw.Flush()
}

func vaultSet(w io.Writer, db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 3 {
		return errors.New("usage: hive vault set <name> --value <string> | --file <path> [--description <text>]")
	}

	name := args[0]
	var value []byte
	switch args[1] {
	case "--value":
		value = []byte(args[2])
	case "--file":
		data, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		value = data
	default:
		return fmt.Errorf("expected --value or --file, got %s", args[1])
	}

	description := ""
	for i := 3; i < len(args)-1; i++ {
		if args[i] == "--description" {
			description = args[i+1]
			break
		}
	}

	ciphertext, nonce, err := v.Encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	sec := &store.Secret{
		Name:        name,
		Description: description,
		Value:       ciphertext,
		Nonce:       nonce,
	}
	if err := db.SaveSecret(sec); err != nil {
		return err
	}
	fmt.Fprintf(w, "Secret %q saved\n", name)
	return nil
}

func vaultGet(w io.Writer, db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: hive vault get <name>")
	}

	plaintext, err := v.Resolve(db, vault.RefPrefix+args[0])
	if err != nil {
		return err
	}
	fmt.Fprint(w, plaintext)
	if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
		fmt.Fprintln(w)
	}
	return nil
}

func vaultDelete(w io.Writer, db *store.Store, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: hive vault delete <name>")
	}
	if err := db.DeleteSecret(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(w, "Secret %q deleted\n", args[0])
	return nil
}
