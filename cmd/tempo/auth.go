package main

import (
	"context"
	"fmt"
	"time"

	"tempo/internal/google"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	loginTimeout  time.Duration
	loginEnable   bool
	loginCalendar string
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the Google Calendar connection",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Connect a Google account through the browser consent flow",
	Long: `Prints the consent URL and waits for Google to redirect back to the
loopback address configured in google.redirect_url.`,
	RunE: runAuthLogin,
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Forget the stored Google session and turn calendar sync off",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("cli")
		if err != nil {
			return err
		}
		defer a.close()

		cal, err := a.requireCalendar()
		if err != nil {
			return err
		}
		if err := cal.Disconnect(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Disconnected. Linked events were kept locally.")
		return nil
	},
}

func init() {
	authLoginCmd.Flags().DurationVar(&loginTimeout, "timeout", 5*time.Minute, "how long to wait for the redirect")
	authLoginCmd.Flags().BoolVar(&loginEnable, "enable", false, "enable calendar sync after connecting")
	authLoginCmd.Flags().StringVar(&loginCalendar, "calendar", "", "calendar id to sync when --enable is set (default primary)")

	authCmd.AddCommand(authLoginCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(disconnectCmd)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	a, err := newApp("cli")
	if err != nil {
		return err
	}
	defer a.close()

	cal, err := a.requireCalendar()
	if err != nil {
		return err
	}

	ln, path, err := google.ListenRedirect(a.cfg.Google.RedirectURL)
	if err != nil {
		return err
	}

	state := uuid.NewString()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Open this link in your browser to connect Google Calendar:\n\n%s\n\n", cal.AuthCodeURL(state))

	ctx, cancel := context.WithTimeout(cmd.Context(), loginTimeout)
	defer cancel()

	code, err := google.ReceiveAuthCode(ctx, ln, path, state)
	if err != nil {
		return err
	}
	if _, err := cal.Authenticate(ctx, code); err != nil {
		return err
	}
	fmt.Fprintln(out, "Google Calendar connected.")

	if !loginEnable {
		return nil
	}
	cfg, err := a.sync.EnableSync(cmd.Context(), loginCalendar)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Calendar sync enabled for %q (%s).\n", cfg.CalendarID(), cfg.Frequency)
	return nil
}
