package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/tunnelcore/crypto"
)

// loadIdentity reads a secret identity file.
func loadIdentity(path string) (*crypto.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	id, err := crypto.ParseIdentity(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if !id.HasPrivate() {
		return nil, fmt.Errorf("%s holds no private keys", path)
	}
	if !id.LocallyValidate() {
		return nil, fmt.Errorf("%s fails validation", path)
	}
	return id, nil
}

// saveIdentity writes id with its private keys, refusing to overwrite.
func saveIdentity(path string, id *crypto.Identity) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, id.Serialize(true)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// loadOrCreateIdentity loads path, generating and saving a new identity
// when it does not exist.
func loadOrCreateIdentity(path string) (*crypto.Identity, error) {
	id, err := loadIdentity(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return id, err
	}
	if id, err = crypto.GenerateIdentity(); err != nil {
		return nil, err
	}
	if err := saveIdentity(path, id); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "loadOrCreateIdentity",
		"path":     path,
		"address":  id.Address().String(),
	}).Info("Generated new identity")
	return id, nil
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage node identities",
}

var identityGenerateCmd = &cobra.Command{
	Use:   "generate <secret-file>",
	Short: "Generate a new identity and save it with its private keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := crypto.GenerateIdentity()
		if err != nil {
			return err
		}
		if err := saveIdentity(args[0], id); err != nil {
			return fmt.Errorf("failed to save identity: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), id.Serialize(false))
		return nil
	},
}

var identityShowCmd = &cobra.Command{
	Use:   "show <secret-file>",
	Short: "Print the public form of an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := loadIdentity(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id.Serialize(false))
		return nil
	},
}

func init() {
	identityCmd.AddCommand(identityGenerateCmd, identityShowCmd)
	rootCmd.AddCommand(identityCmd)
}
