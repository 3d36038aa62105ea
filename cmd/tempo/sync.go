package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tempo/internal/models"

	"github.com/spf13/cobra"
)

var (
	queueKind    string
	queueEntity  string
	queuePayload string

	selectCalendar string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Probe connectivity, reconcile the calendar and drain the queue once",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("cli")
		if err != nil {
			return err
		}
		defer a.close()

		if !a.monitor.Probe(cmd.Context()) {
			fmt.Fprintln(cmd.ErrOrStderr(), "Offline: queued actions stay pending until the network is back.")
		}

		report, err := a.sync.ForceSyncNow(cmd.Context())
		if report != nil {
			if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
				return perr
			}
			if report.ReconnectRequired {
				fmt.Fprintln(cmd.ErrOrStderr(), "Google session expired: run `tempo auth login` to reconnect.")
			}
		}
		return err
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show storage and queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("cli")
		if err != nil {
			return err
		}
		defer a.close()

		stats, err := a.sync.GetStorageStats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), stats)
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and feed the offline action queue",
}

var queueAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Append an action to the durable queue",
	Example: `  tempo queue add --kind CREATE --entity task --payload '{"title":"Buy milk"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("cli")
		if err != nil {
			return err
		}
		defer a.close()

		var payload json.RawMessage
		if queuePayload != "" {
			payload = json.RawMessage(queuePayload)
		}
		action, err := a.sync.AddToSyncQueue(cmd.Context(),
			models.ActionKind(strings.ToUpper(queueKind)),
			models.EntityType(strings.ToLower(queueEntity)),
			payload,
		)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), action)
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending actions in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("cli")
		if err != nil {
			return err
		}
		defer a.close()

		pending, err := a.queue.AllPending(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), pending)
	},
}

var calendarsCmd = &cobra.Command{
	Use:   "calendars",
	Short: "List the account's calendars or select the one to sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("cli")
		if err != nil {
			return err
		}
		defer a.close()

		if selectCalendar != "" {
			cfg, err := a.sync.SelectCalendar(cmd.Context(), selectCalendar)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		}

		cal, err := a.requireCalendar()
		if err != nil {
			return err
		}
		list, err := cal.ListCalendars(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), list)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the persisted sync settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("cli")
		if err != nil {
			return err
		}
		defer a.close()

		var patch models.SyncConfigPatch
		flags := cmd.Flags()
		if flags.Changed("frequency") {
			v, _ := flags.GetString("frequency")
			freq := models.SyncFrequency(strings.ToLower(v))
			patch.Frequency = &freq
		}
		if flags.Changed("enabled") {
			v, _ := flags.GetBool("enabled")
			patch.Enabled = &v
		}

		if patch == (models.SyncConfigPatch{}) {
			cfg, err := a.sync.GetSyncConfig(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		}

		if patch.Enabled != nil && *patch.Enabled {
			cfg, err := a.sync.EnableSync(cmd.Context(), "")
			if err != nil {
				return err
			}
			if patch.Frequency == nil {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			patch.Enabled = nil
		}
		cfg, err := a.sync.UpdateSyncConfig(cmd.Context(), patch)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), cfg)
	},
}

var errMissingFlag = errors.New("required flag not set")

func init() {
	queueAddCmd.Flags().StringVar(&queueKind, "kind", "", "CREATE, UPDATE or DELETE")
	queueAddCmd.Flags().StringVar(&queueEntity, "entity", "", "task, event, goal or setting")
	queueAddCmd.Flags().StringVar(&queuePayload, "payload", "", "JSON payload")
	queueAddCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if queueKind == "" || queueEntity == "" {
			return fmt.Errorf("%w: --kind and --entity", errMissingFlag)
		}
		return nil
	}
	queueCmd.AddCommand(queueAddCmd, queueListCmd)

	calendarsCmd.Flags().StringVar(&selectCalendar, "select", "", "calendar id to use for sync")

	configCmd.Flags().String("frequency", "", "manual, hourly or daily")
	configCmd.Flags().Bool("enabled", false, "turn calendar sync on or off")

	rootCmd.AddCommand(syncCmd, statsCmd, queueCmd, calendarsCmd, configCmd)
}
