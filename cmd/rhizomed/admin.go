package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rhizomemesh/rhizome/daemon/config"
	"github.com/rhizomemesh/rhizome/daemon/store"
	"github.com/rhizomemesh/rhizome/internal/crypto"
)

func keystoreExists(path string) bool {
	for _, p := range []string{path, path + ".insecure"} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// newKeygenCmd creates the node identity ahead of the first daemon start.
func newKeygenCmd(configPath *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the node identity keystore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			path := cfg.KeystorePath()
			if keystoreExists(path) && !force {
				return fmt.Errorf("identity already exists at %s (use --force to replace it)", path)
			}
			pass, err := passphrase(cfg, true)
			if err != nil {
				return err
			}
			id, err := crypto.GenerateIdentity()
			if err != nil {
				return err
			}
			if err := crypto.SaveIdentity(id, path, pass); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sid:         %s\n", id.SID())
			fmt.Fprintf(out, "fingerprint: %s\n", id.Fingerprint())
			fmt.Fprintf(out, "keystore:    %s\n", path)
			if pass == "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "WARNING: key stored without a passphrase")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing identity")
	return cmd
}

// newGCCmd removes unreferenced payload blobs from a stopped daemon's store.
func newGCCmd(configPath *string) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove payload blobs no manifest references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if maxAge < 0 {
				return errors.New("--max-age must not be negative")
			}
			if !cmd.Flags().Changed("max-age") {
				maxAge = cfg.Store.GCRetention
			}
			// secrets are never read during GC
			st, err := store.Open(cfg.StoreDir(), nil)
			if err != nil {
				return fmt.Errorf("%w (is rhizomed running?)", err)
			}
			defer st.Close()

			removed, err := st.GC(cmd.Context(), maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d payload blobs unused for %s\n", removed, maxAge)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "minimum idle time before a blob is removed (default store.gc_retention)")
	return cmd
}
