package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign operations",
}

func campaignID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bad campaign id %q", arg)
	}
	return id, nil
}

var campaignRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Resolve and enqueue a campaign now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := campaignID(args[0])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		res, err := a.CampaignSvc.Run(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var campaignScheduleCmd = &cobra.Command{
	Use:   "schedule <id>",
	Short: "Register the campaign's invocation at its run time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := campaignID(args[0])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		return a.CampaignSvc.Schedule(cmd.Context(), id)
	},
}

func init() {
	campaignCmd.AddCommand(campaignRunCmd, campaignScheduleCmd)
}
