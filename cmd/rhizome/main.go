// Command rhizome is the command line client of a running rhizomed.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"
	"unicode"

	"github.com/spf13/cobra"

	"github.com/rhizomemesh/rhizome/internal/rhizome"
	"github.com/rhizomemesh/rhizome/internal/rhizomeclient"
)

const defaultAPI = "http://127.0.0.1:4110"

type globalFlags struct {
	api      string
	username string
	password string
	token    string
}

func (g *globalFlags) client() *rhizomeclient.Client {
	var opts []rhizomeclient.Option
	if g.username != "" {
		opts = append(opts, rhizomeclient.WithBasicAuth(g.username, g.password))
	}
	if g.token != "" {
		opts = append(opts, rhizomeclient.WithToken(g.token))
	}
	return rhizomeclient.New(g.api, opts...)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:          "rhizome",
		Short:        "Add, list and export bundles held by rhizomed",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.api, "api", envOr("RHIZOME_API", defaultAPI), "daemon REST address")
	pf.StringVar(&g.username, "user", os.Getenv("RHIZOME_USER"), "basic auth user")
	pf.StringVar(&g.password, "password", os.Getenv("RHIZOME_PASSWORD"), "basic auth password")
	pf.StringVar(&g.token, "token", os.Getenv("RHIZOME_TOKEN"), "X-Auth-Token value")

	root.AddCommand(
		newListCmd(g),
		newManifestCmd(g),
		newExportCmd(g),
		newAddCmd(g),
		newDeleteCmd(g),
		newIDCmd(g),
	)
	return root
}

func newListCmd(g *globalFlags) *cobra.Command {
	var opts rhizomeclient.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored bundles, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := g.client().List(cmd.Context(), opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No bundles.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BUNDLE ID\tVERSION\tSERVICE\tSIZE\tINSERTED\tNAME")
			for _, e := range entries {
				mine := ""
				if e.FromHere {
					mine = " *"
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s%s\n",
					e.ID, e.Version, e.Service, e.FileSize,
					e.InsertedAt().Format(time.RFC3339), e.Name, mine)
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Service, "service", "", "only bundles of this service")
	f.StringVar(&opts.Name, "name", "", "only bundles with this name")
	f.IntVar(&opts.Limit, "limit", 0, "maximum number of bundles")
	return cmd
}

func newManifestCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "manifest <bundle-id>",
		Short: "Print a bundle's manifest fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := rhizome.ParseBundleID(args[0])
			if err != nil {
				return err
			}
			m, err := g.client().Manifest(cmd.Context(), id)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(m.Body())
			return err
		},
	}
}

func newExportCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "export <bundle-id> <file|->",
		Short: "Write a bundle's raw payload to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := rhizome.ParseBundleID(args[0])
			if err != nil {
				return err
			}
			return g.client().WithPayloadRaw(cmd.Context(), id, func(b *rhizome.PayloadRawBundle) error {
				return exportPayload(cmd, b, args[1])
			})
		},
	}
}

func exportPayload(cmd *cobra.Command, b *rhizome.PayloadRawBundle, dest string) error {
	if dest == "-" {
		_, err := io.Copy(cmd.OutOrStdout(), b.RawPayload())
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".rhizome-export-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, b.RawPayload())
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if want := b.Manifest().FileSize; n != want {
		return fmt.Errorf("payload is %d bytes, manifest says %d", n, want)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "exported %d bytes to %s\n", n, dest)
	return nil
}

// singleLine rejects flag values that would spill into extra manifest lines.
func singleLine(flag, v string) error {
	if strings.IndexFunc(v, unicode.IsControl) >= 0 {
		return fmt.Errorf("--%s must not contain control characters", flag)
	}
	return nil
}

func newAddCmd(g *globalFlags) *cobra.Command {
	var (
		name, service, secretHex string
		fields                   []string
	)
	cmd := &cobra.Command{
		Use:   "add <file|->",
		Short: "Add a file as a new bundle, or as a new version of one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				payload = f
				if name == "" {
					name = filepath.Base(args[0])
				}
			}

			if err := singleLine("name", name); err != nil {
				return err
			}
			if err := singleLine("service", service); err != nil {
				return err
			}
			for _, kv := range fields {
				if !strings.Contains(kv, "=") {
					return fmt.Errorf("--field %q is not key=value", kv)
				}
				if err := singleLine("field", kv); err != nil {
					return err
				}
			}

			req := rhizomeclient.InsertRequest{Payload: payload, Filename: name}
			if secretHex != "" {
				secret, err := rhizome.ParseBundleSecret(secretHex)
				if err != nil {
					return err
				}
				req.Secret = &secret
				fields = append(fields, "id="+secret.BundleID().String())
			}
			if name != "" {
				fields = append(fields, "name="+name)
			}
			if service != "" {
				fields = append(fields, "service="+service)
			}
			if len(fields) > 0 {
				req.Manifest = []byte(strings.Join(fields, "\n") + "\n")
			}

			res, err := g.client().Insert(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:      %s\n", res.Manifest.ID)
			fmt.Fprintf(out, "version: %d\n", res.Manifest.Version)
			fmt.Fprintf(out, "size:    %d\n", res.Manifest.FileSize)
			if res.Secret != nil {
				fmt.Fprintf(out, "secret:  %s\n", res.Secret)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", "", "bundle name (defaults to the file name)")
	f.StringVar(&service, "service", "", "bundle service (defaults to file)")
	f.StringVar(&secretHex, "secret", "", "bundle secret, to publish a new version")
	f.StringArrayVar(&fields, "field", nil, "extra manifest field as key=value")
	return cmd
}

func newDeleteCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <bundle-id>",
		Short: "Remove a bundle from the daemon's store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := rhizome.ParseBundleID(args[0])
			if err != nil {
				return err
			}
			return g.client().Delete(cmd.Context(), id)
		},
	}
}

func newIDCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the daemon's node identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := g.client().Identity(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sid:         %s\nfingerprint: %s\n", id.SID, id.Fingerprint)
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
