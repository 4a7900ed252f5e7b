// Command cli signs in to an OpenID Connect provider from the terminal using
// the authorization code flow with PKCE and a loopback redirect.
//
// Configuration comes from ONELOGIN_* environment variables, an optional
// .env file, or the YAML file named by ONELOGIN_CONFIG.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mnehpets/onelogin/auth"
	"github.com/mnehpets/onelogin/config"
	"github.com/mnehpets/onelogin/loopback"
	"github.com/mnehpets/onelogin/token"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var debug bool
	var wired *app

	root := &cobra.Command{
		Use:          "cli",
		Short:        "Sign in to an OpenID Connect provider",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logrus.New()
			log.SetLevel(cfg.Level())
			if debug {
				log.SetLevel(logrus.DebugLevel)
			}
			wired, err = newApp(cmd.Context(), cfg, log)
			return err
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	appFn := func() *app { return wired }
	root.AddCommand(
		newLoginCmd(appFn),
		newLogoutCmd(appFn),
		newStatusCmd(appFn),
		newTokenCmd(appFn),
	)
	return root
}

func newLoginCmd(appFn func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open the browser and sign in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runLogin(ctx, appFn(), cmd.OutOrStdout(), cmd.InOrStdin())
		},
	}
}

func runLogin(ctx context.Context, a *app, out io.Writer, in io.Reader) error {
	recv, err := loopback.NewReceiver(a.cfg.RedirectURI, loopback.WithReceiverLogger(a.log.WithField("component", "receiver")))
	if errors.Is(err, loopback.ErrNotLoopback) {
		// Custom-scheme redirects cannot reach this process; ask for the URL.
		authn, err := a.authenticator(ctx, &pasteAgent{out: out, in: in}, a.cfg.RedirectURI)
		if err != nil {
			return err
		}
		outcome, err := authn.Login(ctx)
		return report(out, outcome, err)
	}
	if err != nil {
		return err
	}
	if err := recv.Start(); err != nil {
		return err
	}
	defer func() {
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = recv.Stop(shutdown)
	}()

	agent := loopback.NewUserAgent(recv, loopback.WithUserAgentLogger(a.log.WithField("component", "browser")))
	authn, err := a.authenticator(ctx, agent, recv.RedirectURI())
	if err != nil {
		return err
	}

	// Redirects that arrive outside the browser wait (for example from a
	// second tab) still reach the authenticator.
	d, err := auth.NewDispatcher(authn, recv, auth.WithDispatcherLogger(a.log.WithField("component", "dispatcher")))
	if err != nil {
		return err
	}
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = d.Run(dctx) }()

	outcome, err := authn.Login(ctx)
	return report(out, outcome, err)
}

func report(out io.Writer, outcome auth.Outcome, err error) error {
	if err != nil {
		var ce *auth.ConfigurationError
		if errors.As(err, &ce) {
			return fmt.Errorf("check your configuration: %w", err)
		}
		return err
	}
	switch outcome {
	case auth.OutcomeAuthenticated:
		_, _ = fmt.Fprintln(out, "Signed in.")
	case auth.OutcomeCancelled, auth.OutcomeDismissed:
		_, _ = fmt.Fprintln(out, "Sign-in cancelled.")
	case auth.OutcomeInProgress:
		_, _ = fmt.Fprintln(out, "A sign-in is already in progress.")
	default:
		_, _ = fmt.Fprintf(out, "Sign-in finished: %s\n", outcome)
	}
	return nil
}

func newLogoutCmd(appFn func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget stored tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFn()
			authn, err := a.authenticator(cmd.Context(), &pasteAgent{out: cmd.OutOrStdout(), in: cmd.InOrStdin()}, a.cfg.RedirectURI)
			if err != nil {
				return err
			}
			if err := authn.Logout(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}

func newStatusCmd(appFn func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the signed-in user and token state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFn()
			out := cmd.OutOrStdout()
			set, err := a.tokens.Tokens(cmd.Context())
			if errors.Is(err, token.ErrUnauthenticated) {
				_, _ = fmt.Fprintln(out, "Not signed in.")
				return nil
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "Token: %s (expires %s)\n", a.tokens.TokenState(set), set.ExpiresAt.Local().Format(time.RFC1123))
			if claims, err := set.Claims(); err == nil {
				name := claims.Name
				if name == "" {
					name = claims.PreferredUsername
				}
				_, _ = fmt.Fprintf(out, "User: %s (%s)\n", name, claims.StableID(a.cfg.Provider))
				if email, ok := claims.VerifiedEmail(); ok {
					_, _ = fmt.Fprintf(out, "Email: %s\n", email)
				}
			}
			if a.session != nil {
				s, err := a.session.Current(cmd.Context())
				if err != nil {
					return err
				}
				if s.IsAuthenticated {
					_, _ = fmt.Fprintf(out, "Session: %s until %s\n", s.User.Username, s.Expires.Local().Format(time.RFC1123))
				}
			}
			return nil
		},
	}
}

func newTokenCmd(appFn func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a valid access token, refreshing it if needed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			at, err := appFn().tokens.GetValidAccessToken(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), at)
			return nil
		},
	}
}

// pasteAgent prints the authorization URL and reads the redirect URL the
// user pastes back. End of input dismisses the attempt.
type pasteAgent struct {
	out io.Writer
	in  io.Reader
}

func (p *pasteAgent) Open(ctx context.Context, authURL, _ string) (auth.UserAgentResult, error) {
	_, _ = fmt.Fprintf(p.out, "Open this URL to sign in:\n\n  %s\n\nThen paste the URL you were redirected to: ", authURL)

	lines := make(chan string, 1)
	go func() {
		line, err := bufio.NewReader(p.in).ReadString('\n')
		if err != nil && line == "" {
			close(lines)
			return
		}
		lines <- strings.TrimSpace(line)
	}()

	select {
	case <-ctx.Done():
		return auth.UserAgentResult{Kind: auth.ResultCancelled}, nil
	case line, ok := <-lines:
		if !ok || line == "" {
			return auth.UserAgentResult{Kind: auth.ResultDismissed}, nil
		}
		return auth.UserAgentResult{Kind: auth.ResultRedirected, URL: line}, nil
	}
}
