package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/poemonsense/antigravity-hub/internal/auth"
	"github.com/poemonsense/antigravity-hub/internal/store"
)

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage the pooled Google accounts",
	}
	cmd.AddCommand(accountsListCmd(), accountsAddCmd(), accountsRemoveCmd())
	return cmd
}

func openStore() (*store.Store, error) {
	dataDir, err := resolveDataDir()
	if err != nil {
		return nil, err
	}
	return store.Open(dataDir)
}

func accountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			accounts, err := st.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Println("No accounts stored. Run `antigravity-hub accounts add`.")
				return nil
			}

			for _, acct := range accounts {
				status := "enabled"
				if acct.Disabled {
					status = "disabled (" + acct.DisabledReason + ")"
				}
				current := " "
				if acct.IsCurrent {
					current = "*"
				}
				tier := acct.Token.Tier
				if tier == "" {
					tier = "unknown"
				}
				fmt.Printf("%s %-40s tier=%-12s %s\n", current, acct.Email, tier, status)
			}
			return nil
		},
	}
}

func accountsAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add",
		Short: "Add an account via the Google OAuth consent flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			listener, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return fmt.Errorf("start callback listener: %w", err)
			}
			redirectURI := fmt.Sprintf("http://%s/oauth/callback", listener.Addr().String())

			fmt.Println("Open the following URL in your browser and sign in:")
			fmt.Printf("  %s\n\n", auth.BuildAuthURL(redirectURI))
			fmt.Println("Waiting for authentication (timeout: 2 minutes)...")

			code, err := waitForCode(cmd.Context(), listener)
			if err != nil {
				return fmt.Errorf("authentication failed: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			oauthClient := auth.NewClient()
			token, err := oauthClient.ExchangeCode(ctx, code, redirectURI)
			if err != nil {
				return fmt.Errorf("code exchange failed: %w", err)
			}

			info, err := oauthClient.FetchUserInfo(ctx, token.AccessToken)
			if err != nil {
				return fmt.Errorf("userinfo failed: %w", err)
			}

			now := time.Now().Unix()
			acct, err := st.UpsertAccount(ctx, info.Email, info.DisplayName(), store.Token{
				AccessToken:     token.AccessToken,
				RefreshToken:    token.RefreshToken,
				ExpiresIn:       token.ExpiresIn,
				ExpiryTimestamp: now + token.ExpiresIn,
			})
			if err != nil {
				return fmt.Errorf("save account: %w", err)
			}

			fmt.Printf("Added %s (%s). Project is resolved on first request.\n", acct.Email, acct.ID)
			return nil
		},
	}
}

func accountsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <email>",
		Short: "Remove an account by email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			acct, err := st.LoadAccountByEmail(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("account %s not found", args[0])
			}
			if err := st.DeleteAccounts(cmd.Context(), acct.ID); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", acct.Email)
			return nil
		},
	}
}

// waitForCode serves the loopback OAuth redirect and returns the first
// authorization code it receives.
func waitForCode(parent context.Context, listener net.Listener) (string, error) {
	ctx, cancel := context.WithTimeout(parent, 2*time.Minute)
	defer cancel()

	codeCh := make(chan string, 1)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			code := r.URL.Query().Get("code")
			if code == "" {
				http.Error(w, "missing code parameter", http.StatusBadRequest)
				return
			}
			fmt.Fprintln(w, "Authentication complete. You can close this tab.")
			select {
			case codeCh <- code:
			default:
			}
		}),
	}
	go srv.Serve(listener)
	defer srv.Close()

	select {
	case code := <-codeCh:
		return code, nil
	case <-ctx.Done():
		return "", fmt.Errorf("timed out waiting for OAuth callback")
	}
}
