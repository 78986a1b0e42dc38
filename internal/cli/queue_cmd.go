package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sbenjam1n/kgap/internal/queue"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Redis stream inspection",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stream lengths in Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		rdb, err := connectRedis()
		if err != nil {
			return err
		}
		defer rdb.Close()

		ctx := context.Background()
		q := queue.New(rdb, continuityTTL)

		activities, events, err := q.Status(ctx)
		if err != nil {
			return fmt.Errorf("queue status: %w", err)
		}

		fmt.Printf("Queue Status:\n")
		fmt.Printf("  %s: %d entries\n", queue.StreamActivities, activities)
		fmt.Printf("  %s: %d entries\n", queue.StreamEvents, events)
		return nil
	},
}

var queueEventsCmd = &cobra.Command{
	Use:   "events [plan-id]",
	Short: "Show the most recent execution events of a plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt64("count")
		rdb, err := connectRedis()
		if err != nil {
			return err
		}
		defer rdb.Close()

		events, err := queue.New(rdb, continuityTTL).RecentEvents(context.Background(), args[0], count)
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}
		return printJSON(events)
	},
}

var queueSessionCmd = &cobra.Command{
	Use:   "session [token]",
	Short: "Show the session a continuity token was issued for",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rdb, err := connectRedis()
		if err != nil {
			return err
		}
		defer rdb.Close()

		s, err := queue.New(rdb, continuityTTL).Session(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("look up session: %w", err)
		}
		return printJSON(s)
	},
}

var queueWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Consume announced activities as a worker and print them",
	RunE: func(cmd *cobra.Command, args []string) error {
		consumer, _ := cmd.Flags().GetString("consumer")
		if consumer == "" {
			host, _ := os.Hostname()
			consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
		}

		rdb, err := connectRedis()
		if err != nil {
			return err
		}
		defer rdb.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		q := queue.New(rdb, continuityTTL)
		if err := q.EnsureStreams(ctx); err != nil {
			return fmt.Errorf("redis stream setup failed: %w", err)
		}

		logger.Info("watching activities", zap.String("consumer", consumer))
		for {
			msg, id, err := q.ReadActivity(ctx, consumer, 5*time.Second)
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrNoMessages) {
				continue
			}
			if err != nil {
				logger.Error("read activity failed", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}
			if err := printJSON(msg); err != nil {
				return err
			}
			if err := q.AckActivity(ctx, id); err != nil {
				logger.Warn("ack activity failed", zap.String("message_id", id), zap.Error(err))
			}
		}
	},
}

func init() {
	queueEventsCmd.Flags().Int64("count", 50, "Number of recent plan events to show")
	queueWatchCmd.Flags().String("consumer", "", "Consumer name in the worker group (default host-pid)")

	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueEventsCmd)
	queueCmd.AddCommand(queueSessionCmd)
	queueCmd.AddCommand(queueWatchCmd)
}
