// Command cmdbus runs a command bus and a responder in one process.
//
// Configuration comes from CMDBUS_* environment variables (see package
// config). The demo places a few orders through the bus, prints the
// replies and keeps serving until interrupted.
//
// Run with:
//
//	go run ./cmd/cmdbus -orders 5
//	CMDBUS_BROKER=redis CMDBUS_REDIS_ADDR=localhost:6379 go run ./cmd/cmdbus
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fxsml/cmdbus"
	"github.com/fxsml/cmdbus/config"
	"github.com/fxsml/cmdbus/handler"
	"github.com/fxsml/cmdbus/message"
	"github.com/fxsml/cmdbus/transport"
)

// PlaceOrder asks the order service to create an order.
type PlaceOrder struct {
	Customer string  `json:"customer"`
	Amount   float64 `json:"amount"`
}

// PartitionKey keeps each customer's orders in sequence.
func (c PlaceOrder) PartitionKey() string { return c.Customer }

// OrderPlaced is the reply to PlaceOrder.
type OrderPlaced struct {
	OrderID string `json:"order_id"`
}

// NotifyCustomer is dispatched after an order was placed.
type NotifyCustomer struct {
	Customer string `json:"customer"`
	OrderID  string `json:"order_id"`
}

func main() {
	orders := flag.Int("orders", 3, "number of demo orders to place")
	once := flag.Bool("once", false, "exit after the demo instead of serving until interrupted")
	flag.Parse()

	if err := run(*orders, *once); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(orders int, once bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	broker, err := cfg.NewBroker(ctx, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	ob, err := cfg.NewOutbox(ctx, logger)
	if err != nil {
		return err
	}
	if c, ok := ob.(io.Closer); ok {
		defer c.Close()
	}

	client := transport.NewClient(broker, cfg.ClientConfig())
	bus := cmdbus.New(client, cfg.BusConfig(logger, ob))
	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}
	defer bus.Stop()

	responder, err := handler.NewResponder(broker, handler.ResponderConfig{
		Queues:     cfg.Queues,
		Enqueuer:   bus,
		RetryDelay: cfg.RetryDelay,
		Recover:    true,
		Middleware: []handler.Middleware{
			handler.Logging(logger, handler.LoggingConfig{}),
			handler.Timeout(5 * time.Second),
		},
		Logger: logger,
	}, handlers(bus, logger)...)
	if err != nil {
		return err
	}
	served := make(chan error, 1)
	go func() { served <- responder.Run(ctx) }()

	placeOrders(ctx, bus, logger, orders)

	if !once {
		logger.Info("Serving commands, press Ctrl+C to stop")
		<-ctx.Done()
	}
	cancel()

	select {
	case err := <-served:
		return err
	case <-time.After(5 * time.Second):
		return errors.New("responder did not stop in time")
	}
}

func handlers(bus *cmdbus.Bus, logger *slog.Logger) []handler.Handler {
	var seq atomic.Int64
	return []handler.Handler{
		handler.New(func(ctx context.Context, cmd PlaceOrder) (OrderPlaced, error) {
			if cmd.Amount <= 0 {
				return OrderPlaced{}, message.NewFault("invalid_amount", "amount must be positive")
			}
			id := fmt.Sprintf("ORD-%03d", seq.Add(1))
			if err := bus.Add(ctx, NotifyCustomer{Customer: cmd.Customer, OrderID: id}); err != nil {
				return OrderPlaced{}, err
			}
			return OrderPlaced{OrderID: id}, nil
		}, handler.Config{}),
		handler.New(func(_ context.Context, cmd NotifyCustomer) (struct{}, error) {
			logger.Info("Customer notified", "customer", cmd.Customer, "order_id", cmd.OrderID)
			return struct{}{}, nil
		}, handler.Config{}),
	}
}

func placeOrders(ctx context.Context, bus *cmdbus.Bus, logger *slog.Logger, n int) {
	customers := []string{"alice", "bob", "carol"}
	for i := range n {
		cmd := PlaceOrder{Customer: customers[i%len(customers)], Amount: float64(10 * i)}

		actx, cancel := context.WithTimeout(ctx, 10*time.Second)
		res, err := cmdbus.SendAndAwait[OrderPlaced](actx, bus, cmd)
		cancel()

		var fault *message.Fault
		switch {
		case errors.As(err, &fault):
			logger.Warn("Order rejected", "customer", cmd.Customer, "code", fault.Code, "reason", fault.Message)
		case err != nil:
			logger.Error("Order failed", "customer", cmd.Customer, "error", err)
		default:
			logger.Info("Order placed", "customer", cmd.Customer, "order_id", res.OrderID)
		}
	}
}
