package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/sandbox"
)

var (
	sandboxListDevice string
	sandboxListTo     string
	sandboxListLimit  int
	sandboxClearDays  int
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Sandbox transport commands (stop the server first)",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured messages",
	RunE:  runSandboxList,
}

var sandboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show captured messages per device",
	RunE:  runSandboxStats,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear captured messages",
	RunE:  runSandboxClear,
}

func init() {
	sandboxListCmd.Flags().StringVar(&sandboxListDevice, "device", "", "Filter by device id")
	sandboxListCmd.Flags().StringVar(&sandboxListTo, "to", "", "Filter by recipient phone")
	sandboxListCmd.Flags().IntVar(&sandboxListLimit, "limit", 50, "Maximum number of messages")

	sandboxClearCmd.Flags().IntVar(&sandboxClearDays, "older-than", 0, "Clear messages older than N days")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxStatsCmd, sandboxClearCmd)
	rootCmd.AddCommand(sandboxCmd)
}

// openSandboxStorage opens the sandbox buckets inside the queue file
func openSandboxStorage() (*sandbox.Storage, *queue.BoltStorage, error) {
	q, err := openQueueStorage()
	if err != nil {
		return nil, nil, err
	}
	storage, err := sandbox.NewStorage(q.DB())
	if err != nil {
		q.Close()
		return nil, nil, fmt.Errorf("failed to create sandbox storage: %w", err)
	}
	return storage, q, nil
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	storage, q, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer q.Close()

	return listSandbox(context.Background(), os.Stdout, storage, sandbox.ListFilter{
		DeviceID: sandboxListDevice,
		To:       sandboxListTo,
		Limit:    sandboxListLimit,
	})
}

func listSandbox(ctx context.Context, out io.Writer, storage *sandbox.Storage, filter sandbox.ListFilter) error {
	messages, err := storage.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}
	if len(messages) == 0 {
		fmt.Fprintln(out, "No messages in sandbox")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVICE\tTO\tTYPE\tCONTENT\tCAPTURED")
	fmt.Fprintln(w, "--\t------\t--\t----\t-------\t--------")

	for _, msg := range messages {
		content := msg.Content
		if len(content) > 30 {
			content = content[:27] + "..."
		}
		if msg.SimulatedErr != "" {
			content = "error: " + msg.SimulatedErr
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(msg.ID),
			truncateID(msg.DeviceID),
			msg.To,
			msg.Type,
			content,
			msg.CapturedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal: %d messages\n", len(messages))
	return nil
}

func runSandboxStats(cmd *cobra.Command, args []string) error {
	storage, q, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer q.Close()

	return sandboxStats(context.Background(), os.Stdout, storage)
}

func sandboxStats(ctx context.Context, out io.Writer, storage *sandbox.Storage) error {
	messages, err := storage.List(ctx, sandbox.ListFilter{})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	type tally struct{ sent, failed int }
	byDevice := make(map[string]*tally)
	for _, msg := range messages {
		t, ok := byDevice[msg.DeviceID]
		if !ok {
			t = &tally{}
			byDevice[msg.DeviceID] = t
		}
		if msg.SimulatedErr != "" {
			t.failed++
		} else {
			t.sent++
		}
	}

	ids := make([]string, 0, len(byDevice))
	for id := range byDevice {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintln(out, "Sandbox Statistics")
	fmt.Fprintln(out, "==================")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tCAPTURED\tSIMULATED ERRORS")
	fmt.Fprintln(w, "------\t--------\t----------------")
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%d\t%d\n", truncateID(id), byDevice[id].sent, byDevice[id].failed)
	}
	w.Flush()
	fmt.Fprintf(out, "\nTotal: %d messages\n", len(messages))
	return nil
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	storage, q, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer q.Close()

	olderThan := time.Duration(sandboxClearDays) * 24 * time.Hour
	n, err := storage.Clear(context.Background(), olderThan)
	if err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	fmt.Printf("Cleared %d messages\n", n)
	return nil
}
