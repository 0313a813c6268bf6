package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/ismaiel54/order-details-service/internal/logging"
	"github.com/ismaiel54/order-details-service/internal/msg"
	"go.uber.org/zap"
)

var products = []string{"JUMPERS", "UNDERPANTS", "STOCKINGS"}

func main() {
	var (
		count      = flag.Int("count", 50, "Number of orders to produce")
		invalidPct = flag.Int("invalid-pct", 20, "Percentage of orders with invalid details (0-100)")
		skippedPct = flag.Int("skipped-pct", 10, "Percentage of orders already past the details check (0-100)")
		seed       = flag.Int64("seed", 42, "Random seed for deterministic generation")
		brokers    = flag.String("brokers", "127.0.0.1:9092", "Kafka broker addresses")
		topic      = flag.String("topic", msg.TopicOrders, "Topic to produce to")
	)
	flag.Parse()

	logger, err := logging.NewLogger("order-producer", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	brokerList := parseBrokers(*brokers)
	logger.Info("starting order producer",
		zap.Int("count", *count),
		zap.Int("invalid_pct", *invalidPct),
		zap.Int("skipped_pct", *skippedPct),
		zap.Int64("seed", *seed),
		zap.Strings("brokers", brokerList),
		zap.String("topic", *topic),
	)

	producer, err := msg.NewProducer(brokerList, logger)
	if err != nil {
		logger.Fatal("failed to create producer", zap.Error(err))
	}
	defer producer.Close()

	rng := rand.New(rand.NewSource(*seed))

	ctx := context.Background()
	produced := 0
	failed := 0
	invalid := 0
	skipped := 0

	for i := 0; i < *count; i++ {
		order := msg.Order{
			ID:         uuid.New().String(),
			CustomerID: fmt.Sprintf("customer-%d", rng.Intn(10)),
			State:      msg.OrderCreated,
			Product:    products[rng.Intn(len(products))],
			Quantity:   int64(1 + rng.Intn(100)),
			Price:      5.0 + rng.Float64()*95.0,
		}

		// A slice of the orders exercise the FAIL verdict path.
		if rng.Intn(100) < *invalidPct {
			invalid++
			switch rng.Intn(4) {
			case 0:
				order.CustomerID = ""
			case 1:
				order.Product = ""
			case 2:
				order.Quantity = -order.Quantity
			case 3:
				order.Price = -order.Price
			}
		}

		// A slice arrive already validated and must be skipped (offset
		// committed, no verdict).
		if rng.Intn(100) < *skippedPct {
			order.State = msg.OrderValidated
			skipped++
		}

		if err := producer.ProduceJSON(ctx, *topic, order.ID, order); err != nil {
			logger.Error("failed to produce order",
				zap.String("order_id", order.ID),
				zap.Error(err),
			)
			failed++
			continue
		}

		produced++
		logger.Debug("produced order",
			zap.String("order_id", order.ID),
			zap.String("state", order.State),
		)
	}

	logger.Info("producer completed",
		zap.Int("total", *count),
		zap.Int("produced", produced),
		zap.Int("failed", failed),
		zap.Int("invalid", invalid),
		zap.Int("skipped_state", skipped),
	)

	fmt.Printf("\n=== Producer Summary ===\n")
	fmt.Printf("Total orders: %d\n", *count)
	fmt.Printf("Produced: %d\n", produced)
	fmt.Printf("Failed: %d\n", failed)
	fmt.Printf("Invalid details: %d\n", invalid)
	fmt.Printf("Already validated: %d\n", skipped)
	fmt.Printf("Topic: %s\n\n", *topic)

	if failed > 0 {
		os.Exit(1)
	}
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
