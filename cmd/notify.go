package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qmoi-io/qmoi-heal/internal/faults"
	"github.com/qmoi-io/qmoi-heal/internal/notify"
)

var (
	flagNotifySeverity string
	flagNotifySubject  string
	flagNotifyBody     string
	flagNotifyChannels []string
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send a message through the configured notification channels",
	Long: `Send one message to every configured channel (console, logfile, webhook,
email, kubernetes, websocket), or only to those named with --channel.
Each channel is attempted once; one failing channel does not stop the others.
The command fails only when no channel accepted the message.`,
	Args: exactArgs(0),
	RunE: runNotify,
}

func init() {
	notifyCmd.Flags().StringVar(&flagNotifySeverity, "severity", "info", "Severity: info, warning, error")
	notifyCmd.Flags().StringVar(&flagNotifySubject, "subject", "", "Message subject (required)")
	notifyCmd.Flags().StringVar(&flagNotifyBody, "body", "", "Message body")
	notifyCmd.Flags().StringSliceVar(&flagNotifyChannels, "channel", nil, "Only send to these channels (repeatable)")
	rootCmd.AddCommand(notifyCmd)
}

func runNotify(cmd *cobra.Command, args []string) error {
	sev, err := notify.ParseSeverity(flagNotifySeverity)
	if err != nil {
		return usageError(cmd, err)
	}
	if flagNotifySubject == "" {
		return usageError(cmd, fmt.Errorf("--subject is required"))
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	d := a.dispatcher()
	if len(d.Channels()) == 0 {
		return faults.ConfigMissing("notify", "no notification channel is configured")
	}

	delivery := d.Dispatch(cmd.Context(), notify.Message{
		Severity: sev,
		Subject:  flagNotifySubject,
		Body:     flagNotifyBody,
		Channels: flagNotifyChannels,
		Fields:   map[string]string{"run_id": a.runID},
	})

	w := cmd.ErrOrStderr()
	for _, r := range delivery.Results {
		if r.Delivered {
			fmt.Fprintf(w, "  %-11s delivered\n", r.Channel)
		} else {
			fmt.Fprintf(w, "  %-11s failed: %s\n", r.Channel, r.Error)
		}
	}
	if len(delivery.Delivered()) == 0 {
		return fmt.Errorf("message not delivered to any channel")
	}
	return nil
}
