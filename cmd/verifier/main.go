package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ismaiel54/order-details-service/internal/audit"
	"github.com/ismaiel54/order-details-service/internal/logging"
	"github.com/ismaiel54/order-details-service/internal/msg"
	"go.uber.org/zap"
)

func main() {
	var (
		duration = flag.Int("duration", 30, "Seconds to consume verdicts for")
		brokers  = flag.String("brokers", "127.0.0.1:9092", "Kafka broker addresses")
		topic    = flag.String("topic", msg.TopicOrderValidations, "Verdict topic to verify")
		dbPath   = flag.String("db", "data/verifier.db", "Path to the verdict journal")
	)
	flag.Parse()

	logger, err := logging.NewLogger("verifier", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	brokerList := parseBrokers(*brokers)
	logger.Info("starting verifier",
		zap.Int("duration_seconds", *duration),
		zap.Strings("brokers", brokerList),
		zap.String("topic", *topic),
		zap.String("db", *dbPath),
	)

	// The journal persists across verifier runs, so duplicates produced
	// around a service crash/restart are still caught.
	store, err := audit.Open(*dbPath)
	if err != nil {
		logger.Fatal("failed to open verdict journal", zap.Error(err))
	}
	defer store.Close()

	consumer, err := msg.NewConsumer(brokerList, "verifier-v1", []string{*topic}, logger)
	if err != nil {
		logger.Fatal("failed to create consumer", zap.Error(err))
	}
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*duration)*time.Second)
	defer cancel()

	err = consumer.Run(ctx, func(ctx context.Context, rec msg.Record) error {
		var verdict msg.OrderValidation
		if err := json.Unmarshal(rec.Value, &verdict); err != nil {
			logger.Warn("failed to unmarshal verdict", zap.Error(err))
			return nil
		}

		dup, err := store.RecordVerdict(ctx, verdict, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to journal verdict: %w", err)
		}
		if dup {
			logger.Warn("duplicate verdict observed",
				zap.String("order_id", verdict.OrderID),
				zap.String("check_type", verdict.CheckType),
			)
		}

		logger.Debug("consumed verdict",
			zap.String("order_id", verdict.OrderID),
			zap.String("result", verdict.Result),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
		)
		return nil
	})
	if err != nil && err != context.DeadlineExceeded {
		logger.Error("consumer error", zap.Error(err))
	}

	total, unique, err := store.Counts(context.Background())
	if err != nil {
		logger.Fatal("failed to count verdicts", zap.Error(err))
	}
	duplicates, err := store.Duplicates(context.Background())
	if err != nil {
		logger.Fatal("failed to list duplicates", zap.Error(err))
	}

	fmt.Println("\n=== Verification Results ===")
	fmt.Printf("Total verdict deliveries: %d\n", total)
	fmt.Printf("Unique verdicts: %d\n", unique)
	fmt.Printf("Duplicated verdicts: %d\n", len(duplicates))

	if len(duplicates) > 0 {
		fmt.Println("\nDuplicates found:")
		for _, d := range duplicates {
			fmt.Printf("  Order ID: %s, Check: %s, Seen: %d times\n",
				d.OrderID, d.CheckType, d.TimesSeen)
		}
		fmt.Println("\nVERIFICATION FAILED: duplicate verdicts detected")
		os.Exit(1)
	}

	fmt.Println("\nVERIFICATION PASSED: every verdict delivered exactly once")
}

func parseBrokers(brokers string) []string {
	out := make([]string, 0)
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
