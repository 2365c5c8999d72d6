package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/drip/internal/campaign"
)

var unsubscribeReason string

var campaignsCmd = &cobra.Command{
	Use:   "campaigns",
	Short: "Campaign commands",
}

var campaignsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured campaigns",
	RunE:  runCampaignsList,
}

var campaignsSubscribeCmd = &cobra.Command{
	Use:   "subscribe <campaign> <subscriber_id>",
	Short: "Subscribe a subscriber to a campaign",
	Args:  cobra.ExactArgs(2),
	RunE:  runCampaignsSubscribe,
}

var campaignsUnsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe <campaign> <subscriber_id>",
	Short: "Unsubscribe a subscriber from a campaign",
	Args:  cobra.ExactArgs(2),
	RunE:  runCampaignsUnsubscribe,
}

func init() {
	campaignsUnsubscribeCmd.Flags().StringVar(&unsubscribeReason, "reason", "cli", "Unsubscribe reason")

	campaignsCmd.AddCommand(campaignsListCmd, campaignsSubscribeCmd, campaignsUnsubscribeCmd)
	rootCmd.AddCommand(campaignsCmd)
}

func runCampaignsList(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CAMPAIGN\tDRIPS")
	fmt.Fprintln(w, "--------\t-----")

	for _, d := range application.Campaigns().Drippers() {
		fmt.Fprintf(w, "%s\t%s\n", d.Slug(), strings.Join(d.Drips().Actions(), ", "))
	}

	return w.Flush()
}

func lookupDripper(registry *campaign.Registry, slug string) (*campaign.Dripper, error) {
	d, ok := registry.Dripper(slug)
	if !ok {
		return nil, fmt.Errorf("campaign not found: %s", slug)
	}
	return d, nil
}

func runCampaignsSubscribe(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	d, err := lookupDripper(application.Campaigns(), args[0])
	if err != nil {
		return err
	}

	sub, err := d.Subscribe(cmd.Context(), args[1])
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	fmt.Printf("Subscribed %s to %s\n", sub.SubscriberID, sub.Campaign)
	fmt.Printf("  Subscription: %s\n", sub.ID)
	fmt.Printf("  Token:        %s\n", sub.Token)
	return nil
}

func runCampaignsUnsubscribe(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	d, err := lookupDripper(application.Campaigns(), args[0])
	if err != nil {
		return err
	}

	if err := d.UnsubscribeSubscriber(cmd.Context(), args[1], unsubscribeReason); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}

	fmt.Printf("Unsubscribed %s from %s\n", args[1], args[0])
	return nil
}
