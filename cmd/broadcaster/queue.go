package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
)

var (
	queueListStatus   string
	queueListDevice   string
	queueListCampaign string
	queueListLimit    int

	resumeFilter queue.ResumeFilter
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue inspection commands (stop the server first)",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List targets in the queue",
	RunE:  runQueueList,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <target_id>",
	Short: "Show target details",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume-failed",
	Short: "Put failed targets back to pending",
	RunE:  runQueueResume,
}

func init() {
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "", "Filter by status (pending, claimed, sent, failed)")
	queueListCmd.Flags().StringVar(&queueListDevice, "device", "", "Filter by device id")
	queueListCmd.Flags().StringVar(&queueListCampaign, "campaign", "", "Filter by campaign id")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of targets to show")

	queueResumeCmd.Flags().StringVar(&resumeFilter.DeviceID, "device", "", "Only targets of this device")
	queueResumeCmd.Flags().StringVar(&resumeFilter.CampaignID, "campaign", "", "Only targets of this campaign")
	queueResumeCmd.Flags().StringVar(&resumeFilter.SequenceID, "sequence", "", "Only targets of this sequence")
	queueResumeCmd.Flags().StringVar(&resumeFilter.StepID, "step", "", "Only targets of this sequence step")

	queueCmd.AddCommand(queueListCmd, queueShowCmd, queueStatsCmd, queueResumeCmd)
	rootCmd.AddCommand(queueCmd)
}

// openQueueStorage opens the queue file directly. bbolt holds an exclusive
// lock, so this fails while the server is running.
func openQueueStorage() (*queue.BoltStorage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	storage, err := queue.NewBoltStorage(cfg.Storage.QueuePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open queue storage: %w", err)
	}
	return storage, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	targets, err := storage.List(context.Background(), queue.ListFilter{
		Status:     queue.Status(queueListStatus),
		DeviceID:   queueListDevice,
		CampaignID: queueListCampaign,
		Limit:      queueListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}

	if len(targets) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSOURCE\tDEVICE\tPHONE\tCREATED\tATTEMPTS")
	fmt.Fprintln(w, "--\t------\t------\t------\t-----\t-------\t--------")

	for _, t := range targets {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			truncateID(t.ID),
			t.Status,
			truncateID(t.Source()),
			truncateID(t.DeviceID),
			t.Contact.Phone,
			t.CreatedAt.Format("2006-01-02 15:04"),
			t.Attempts,
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d targets\n", len(targets))
	return nil
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	t, err := storage.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get target: %w", err)
	}
	if t == nil {
		return fmt.Errorf("target not found: %s", args[0])
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(t)
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	stats, err := storage.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Println("Queue Statistics")
	fmt.Println("================")
	fmt.Printf("Pending:  %d\n", stats.Pending)
	fmt.Printf("Claimed:  %d\n", stats.Claimed)
	fmt.Printf("Sent:     %d\n", stats.Sent)
	fmt.Printf("Failed:   %d\n", stats.Failed)
	fmt.Println("----------------")
	fmt.Printf("Total:    %d\n", stats.Total)
	return nil
}

func runQueueResume(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	n, err := storage.ResumeFailed(context.Background(), resumeFilter)
	if err != nil {
		return fmt.Errorf("failed to resume targets: %w", err)
	}
	fmt.Printf("Resumed %d failed targets\n", n)
	return nil
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
