package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/gridgate"
	"pkt.systems/gridgate/internal/tlsutil"
)

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "auth",
		Short:        "Manage gridgate certificates",
		SilenceUsage: true,
	}
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Create new certificate bundles",
	}
	newCmd.AddCommand(newAuthNewCACommand())
	newCmd.AddCommand(newAuthNewServerCommand())
	newCmd.AddCommand(newAuthNewClientCommand())
	cmd.AddCommand(newCmd)
	cmd.AddCommand(newAuthRevokeCommand())
	cmd.AddCommand(newAuthInspectCommand())
	return cmd
}

func newAuthNewCACommand() *cobra.Command {
	var (
		out      string
		cn       string
		validity time.Duration
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Create a new certificate authority (CA) bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := pathOr(out, gridgate.DefaultCAPath)
			if err != nil {
				return err
			}
			ca, err := tlsutil.GenerateCA(cn, validity)
			if err != nil {
				return err
			}
			if err := writeFile(path, ca.Bundle(), force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ca bundle written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path for CA bundle (default $HOME/.gridgate/ca.pem)")
	cmd.Flags().StringVar(&cn, "cn", "gridgate-ca", "CA certificate common name")
	cmd.Flags().DurationVar(&validity, "valid-for", tlsutil.DefaultCAValidity, "certificate validity period")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing CA bundle if present")
	return cmd
}

func newAuthNewServerCommand() *cobra.Command {
	var (
		out      string
		caIn     string
		cn       string
		hosts    []string
		validity time.Duration
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Create a new server bundle signed by an existing CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := pathOr(out, gridgate.DefaultBundlePath)
			if err != nil {
				return err
			}
			ca, err := loadCA(caIn)
			if err != nil {
				return err
			}
			issued, err := ca.IssueServer(tlsutil.ServerRequest{CommonName: cn, Hosts: hosts, Validity: validity})
			if err != nil {
				return err
			}
			data, err := tlsutil.EncodeServerBundle(ca, issued, nil)
			if err != nil {
				return err
			}
			if err := writeFile(path, data, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server bundle written to %s (serial %s)\n", path, tlsutil.SerialHex(issued.Cert))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path for server bundle (default $HOME/.gridgate/server.pem)")
	cmd.Flags().StringVar(&caIn, "ca-in", "", "CA bundle path (default $HOME/.gridgate/ca.pem)")
	cmd.Flags().StringVar(&cn, "cn", "gridgate-server", "server certificate common name")
	cmd.Flags().StringSliceVar(&hosts, "hosts", []string{"localhost", "127.0.0.1"}, "DNS names and IP addresses for the server certificate")
	cmd.Flags().DurationVar(&validity, "valid-for", tlsutil.DefaultLeafValidity, "certificate validity period")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing server bundle if present")
	return cmd
}

func newAuthNewClientCommand() *cobra.Command {
	var (
		out      string
		caIn     string
		cn       string
		email    string
		org      string
		validity time.Duration
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Create a new client bundle whose subject identifies a grid user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				dir, err := gridgate.DefaultConfigDir()
				if err != nil {
					return err
				}
				out = filepath.Join(dir, "client-"+sanitizeName(cn)+".pem")
			}
			ca, err := loadCA(caIn)
			if err != nil {
				return err
			}
			issued, err := ca.IssueClient(tlsutil.ClientRequest{CommonName: cn, Email: email, Organization: org, Validity: validity})
			if err != nil {
				return err
			}
			data, err := tlsutil.EncodeClientBundle(ca, issued)
			if err != nil {
				return err
			}
			if err := writeFile(out, data, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "client bundle written to %s (serial %s)\n", out, tlsutil.SerialHex(issued.Cert))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path for client bundle (default $HOME/.gridgate/client-<cn>.pem)")
	cmd.Flags().StringVar(&caIn, "ca-in", "", "CA bundle path (default $HOME/.gridgate/ca.pem)")
	cmd.Flags().StringVar(&cn, "cn", "gridgate-client", "client certificate common name")
	cmd.Flags().StringVar(&email, "email", "", "email address carried in the subject and SAN")
	cmd.Flags().StringVar(&org, "org", "", "subject organization")
	cmd.Flags().DurationVar(&validity, "valid-for", tlsutil.DefaultLeafValidity, "certificate validity period")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing client bundle if present")
	return cmd
}

func newAuthRevokeCommand() *cobra.Command {
	var denylist string
	cmd := &cobra.Command{
		Use:   "revoke <client-bundle|serial>...",
		Short: "Append client certificate serials to a denylist file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if denylist == "" {
				return errors.New("--denylist is required")
			}
			serials := make([]string, 0, len(args))
			for _, arg := range args {
				serial, err := serialFromArg(arg)
				if err != nil {
					return err
				}
				serials = append(serials, serial)
			}
			if err := appendSerials(denylist, serials); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", strings.Join(serials, ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&denylist, "denylist", "", "denylist file the server watches (--denylist-path)")
	return cmd
}

func newAuthInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <client-bundle>",
		Short: "Display client bundle details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := tlsutil.LoadClientBundle(args[0])
			if err != nil {
				return err
			}
			leaf := bundle.Leaf
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "subject:  %s\n", leaf.Subject)
			fmt.Fprintf(w, "issuer:   %s\n", leaf.Issuer)
			fmt.Fprintf(w, "serial:   %s\n", tlsutil.SerialHex(leaf))
			if len(leaf.EmailAddresses) > 0 {
				fmt.Fprintf(w, "email:    %s\n", strings.Join(leaf.EmailAddresses, ", "))
			}
			fmt.Fprintf(w, "expires:  %s (%s)\n", leaf.NotAfter.UTC().Format(time.RFC3339), humanize.Time(leaf.NotAfter))
			return nil
		},
	}
}

func serialFromArg(arg string) (string, error) {
	if _, err := os.Stat(arg); err == nil {
		bundle, err := tlsutil.LoadClientBundle(arg)
		if err != nil {
			return "", err
		}
		return tlsutil.SerialHex(bundle.Leaf), nil
	}
	serials := tlsutil.NormalizeSerials([]string{arg})
	if len(serials) != 1 {
		return "", fmt.Errorf("invalid serial %q", arg)
	}
	return serials[0], nil
}

func appendSerials(path string, serials []string) error {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open denylist: %w", err)
	}
	for _, serial := range serials {
		if _, err := io.WriteString(f, serial+"\n"); err != nil {
			_ = f.Close()
			return fmt.Errorf("write denylist: %w", err)
		}
	}
	return f.Close()
}

func loadCA(path string) (*tlsutil.CA, error) {
	path, err := pathOr(path, gridgate.DefaultCAPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca bundle: %w", err)
	}
	return tlsutil.ParseCA(data)
}

func pathOr(path string, fallback func() (string, error)) (string, error) {
	if path != "" {
		return expandPath(path)
	}
	return fallback()
}

func sanitizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

func writeFile(path string, data []byte, force bool) error {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force)", path)
		}
	}
	return os.WriteFile(path, data, 0o600)
}
