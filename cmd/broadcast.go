package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/app"
	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/spf13/cobra"
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Broadcast lifecycle operations",
}

var broadcastMakeCmd = &cobra.Command{
	Use:   "make",
	Short: "Lock the editable broadcast, enqueue it and create the next cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		res, err := a.BroadcastSvc.Make(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var broadcastSendNowCmd = &cobra.Command{
	Use:   "send-now",
	Short: "Send the editable broadcast now and keep its schedule for a copy",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		res, err := a.BroadcastSvc.SendNow(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var patchFlags struct {
	first, second, runAt string
	clearRunAt           bool
	delay, noUsers       int
}

var broadcastPatchCmd = &cobra.Command{
	Use:   "patch <id>",
	Short: "Edit an editable broadcast",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad broadcast id %q", args[0])
		}
		var p model.BroadcastPatch
		f := cmd.Flags()
		if f.Changed("first") {
			p.FirstMessage = &patchFlags.first
		}
		if f.Changed("second") {
			p.SecondMessage = &patchFlags.second
		}
		if f.Changed("run-at") {
			t, err := time.Parse(time.RFC3339, patchFlags.runAt)
			if err != nil {
				return fmt.Errorf("--run-at: %w", err)
			}
			p.RunAt = &t
		}
		p.ClearRunAt = patchFlags.clearRunAt
		if f.Changed("delay") {
			p.DelaySeconds = &patchFlags.delay
		}
		if f.Changed("no-users") {
			p.NoUsers = &patchFlags.noUsers
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		b, err := a.BroadcastSvc.Patch(cmd.Context(), id, p)
		if err != nil {
			return err
		}
		return printJSON(b)
	},
}

func init() {
	f := broadcastPatchCmd.Flags()
	f.StringVar(&patchFlags.first, "first", "", "first message text")
	f.StringVar(&patchFlags.second, "second", "", "second message text (empty disables the second stage)")
	f.StringVar(&patchFlags.runAt, "run-at", "", "run time, RFC3339")
	f.BoolVar(&patchFlags.clearRunAt, "clear-run-at", false, "remove the run time")
	f.IntVar(&patchFlags.delay, "delay", 0, "seconds between first and second message")
	f.IntVar(&patchFlags.noUsers, "no-users", 0, "batch size")

	broadcastCmd.AddCommand(broadcastMakeCmd, broadcastSendNowCmd, broadcastPatchCmd)
}

func openApp() (*app.App, error) {
	cfg, log, err := app.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, log)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
