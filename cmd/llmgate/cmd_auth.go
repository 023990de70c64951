package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/user/llmgate/internal/auth"
	"github.com/user/llmgate/internal/config"
	"github.com/user/llmgate/internal/provider"
	"github.com/user/llmgate/pkg/llm"
	"github.com/user/llmgate/pkg/llm/google"
)

var (
	authSession  string
	authVerifier string
	authMode     string
)

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.PersistentFlags().StringVar(&authSession, "session", defaultAuthSession, "auth session name")
	authExchangeCmd.Flags().StringVar(&authVerifier, "verifier", "", "PKCE verifier (defaults to the one saved by 'auth url')")
	authLogoutCmd.Flags().StringVar(&authMode, "mode", "", "auth mode to remove (api_key or oauth; default both)")
	authCmd.AddCommand(authURLCmd, authExchangeCmd, authSetKeyCmd, authStatusCmd, authRefreshCmd, authLogoutCmd)
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage vendor credentials",
}

// authManager opens the credential store behind a manager. The caller
// closes the returned closer.
func authManager(cfg *config.Config) (*auth.Manager, io.Closer, error) {
	store, closer, err := credentialStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	registry := provider.DefaultRegistry(google.StreamFormat(cfg.Vendor("google").StreamFormat))
	return newAuth(cfg, store, registry), closer, nil
}

// pendingAuth is what 'auth url' leaves for 'auth exchange'.
type pendingAuth struct {
	Verifier string    `json:"verifier"`
	State    string    `json:"state"`
	Created  time.Time `json:"created"`
}

func pendingPath(cfg *config.Config, vendor llm.Vendor) string {
	return filepath.Join(cfg.DataDir, "oauth-pending-"+string(vendor)+".json")
}

var authURLCmd = &cobra.Command{
	Use:   "url <vendor>",
	Short: "Print the OAuth consent URL for a vendor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		vendor, err := llm.ParseVendor(args[0])
		if err != nil {
			return err
		}
		mgr, closer, err := authManager(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		pkce, err := auth.NewPKCE()
		if err != nil {
			return err
		}
		state := uuid.New().String()
		u, err := mgr.AuthorizeURL(vendor, pkce, state)
		if err != nil {
			return err
		}

		data, err := json.Marshal(pendingAuth{Verifier: pkce.Verifier, State: state, Created: time.Now()})
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return err
		}
		if err := os.WriteFile(pendingPath(cfg, vendor), data, 0600); err != nil {
			return fmt.Errorf("save pkce verifier: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Open this URL and approve access:")
		fmt.Fprintln(out, u)
		fmt.Fprintf(out, "\nThen run: llmgate auth exchange %s <code>\n", vendor)
		return nil
	},
}

var authExchangeCmd = &cobra.Command{
	Use:   "exchange <vendor> <code>",
	Short: "Exchange an authorization code for tokens",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		vendor, err := llm.ParseVendor(args[0])
		if err != nil {
			return err
		}
		verifier := authVerifier
		if verifier == "" {
			data, err := os.ReadFile(pendingPath(cfg, vendor))
			if err != nil {
				return fmt.Errorf("%w: run 'llmgate auth url %s' first or pass --verifier", llm.ErrMissingPKCEParams, vendor)
			}
			var p pendingAuth
			if err := json.Unmarshal(data, &p); err != nil {
				return fmt.Errorf("read pending auth: %w", err)
			}
			verifier = p.Verifier
		}

		mgr, closer, err := authManager(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		cred, err := mgr.ExchangeCode(cmd.Context(), vendor, authSession, args[1], verifier)
		if err != nil {
			return err
		}
		os.Remove(pendingPath(cfg, vendor))

		fmt.Fprintf(cmd.OutOrStdout(), "Stored %s oauth credential for session %q%s.\n", vendor, authSession, expiryNote(cred.ExpiresAt))
		return nil
	},
}

var authSetKeyCmd = &cobra.Command{
	Use:   "set-key <vendor> <key>",
	Short: "Store an API key credential",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		vendor, err := llm.ParseVendor(args[0])
		if err != nil {
			return err
		}
		mgr, closer, err := authManager(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		if err := mgr.SetAPIKey(cmd.Context(), vendor, authSession, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored %s api key for session %q.\n", vendor, authSession)
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List stored credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		mgr, closer, err := authManager(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		creds, err := mgr.Credentials(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(creds) == 0 {
			fmt.Fprintln(out, "No credentials stored.")
			return nil
		}
		now := time.Now()
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VENDOR\tMODE\tSESSION\tEXPIRES\tREFRESHABLE\tUPDATED")
		for _, c := range creds {
			expires := "never"
			if c.ExpiresAt != nil {
				expires = c.ExpiresAt.Format(time.RFC3339)
				if c.ExpiresWithin(now, 0) {
					expires += " (expired)"
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
				c.Vendor, c.Mode, c.SessionName, expires, c.RefreshToken != "",
				c.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var authRefreshCmd = &cobra.Command{
	Use:   "refresh <vendor>",
	Short: "Refresh an OAuth credential now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		vendor, err := llm.ParseVendor(args[0])
		if err != nil {
			return err
		}
		mgr, closer, err := authManager(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		cred, err := mgr.Refresh(cmd.Context(), vendor, authSession)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Refreshed %s credential for session %q%s.\n", vendor, authSession, expiryNote(cred.ExpiresAt))
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout <vendor>",
	Short: "Remove stored credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		vendor, err := llm.ParseVendor(args[0])
		if err != nil {
			return err
		}
		modes := []llm.AuthMode{llm.AuthAPIKey, llm.AuthOAuth}
		if authMode != "" {
			m, err := llm.ParseAuthMode(authMode)
			if err != nil {
				return err
			}
			modes = []llm.AuthMode{m}
		}

		mgr, closer, err := authManager(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		removed := 0
		for _, m := range modes {
			err := mgr.Delete(cmd.Context(), vendor, m, authSession)
			if errors.Is(err, llm.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			removed++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d %s credential(s) for session %q.\n", removed, vendor, authSession)
		return nil
	},
}

func expiryNote(t *time.Time) string {
	if t == nil {
		return ""
	}
	return fmt.Sprintf(" (expires %s)", t.Local().Format(time.RFC3339))
}
