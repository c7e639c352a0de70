package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/formanova/studio-core/infra/produce"
	"github.com/formanova/studio-core/service"
	amqp "github.com/rabbitmq/amqp091-go"
)

// BulkUpdater is implemented by service.BatchLedger.
type BulkUpdater interface {
	BulkUpdateItems(ctx context.Context, updates []service.ItemUpdate) (*service.BulkUpdateResult, error)
}

// ItemUpdateConsumer applies item updates queued by the generation workers.
type ItemUpdateConsumer struct {
	channel    *amqp.Channel
	ledger     BulkUpdater
	logger     service.Logger
	maxRetries int
	backoff    time.Duration
}

func NewItemUpdateConsumer(channel *amqp.Channel, ledger BulkUpdater, logger service.Logger) *ItemUpdateConsumer {
	return &ItemUpdateConsumer{
		channel:    channel,
		ledger:     ledger,
		logger:     logger,
		maxRetries: 3,
		backoff:    2 * time.Second,
	}
}

func (c *ItemUpdateConsumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		produce.ItemUpdateQueue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register item update consumer: %w", err)
	}

	c.logger.InfoWithContextf(ctx, "[Item Update Consumer] Started listening on queue: %s", produce.ItemUpdateQueue)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.InfoWithContextf(ctx, "[Item Update Consumer] Shutting down...")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.WarningWithContextf(ctx, "[Item Update Consumer] Channel closed")
					return
				}
				c.handle(ctx, msg)
			}
		}
	}()

	return nil
}

func (c *ItemUpdateConsumer) handle(ctx context.Context, msg amqp.Delivery) {
	var payload produce.ItemUpdateMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		c.logger.ErrorWithContextf(ctx, err, "[Item Update Consumer] Failed to unmarshal message: %v", err)
		_ = msg.Nack(false, false)
		return
	}

	updates, parseErrs := service.ParseItemUpdates(payload.Updates)
	for _, e := range parseErrs {
		c.logger.WarningWithContextf(ctx, "[Item Update Consumer] Dropping update from %s: %s", payload.Source, e.Error)
	}
	if len(updates) == 0 {
		_ = msg.Ack(false)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		result, err := c.ledger.BulkUpdateItems(ctx, updates)
		if err == nil {
			for _, e := range result.Errors {
				c.logger.WarningWithContextf(ctx, "[Item Update Consumer] Update of item %s rejected: %s", e.ItemID, e.Error)
			}
			c.logger.InfoWithContextf(ctx, "[Item Update Consumer] Applied %d of %d updates from %s", result.UpdatedCount, len(payload.Updates), payload.Source)
			_ = msg.Ack(false)
			return
		}
		lastErr = err

		c.logger.ErrorWithContextf(ctx, err, "[Item Update Consumer] Attempt %d/%d failed: %v", attempt, c.maxRetries, err)
		if attempt < c.maxRetries {
			select {
			case <-ctx.Done():
				c.logger.WarningWithContextf(ctx, "[Item Update Consumer] Stopping retries: %v, requeueing message", ctx.Err())
				_ = msg.Nack(false, true)
				return
			case <-time.After(time.Duration(attempt) * c.backoff):
			}
		}
	}

	c.logger.ErrorWithContextf(ctx, lastErr, "[Item Update Consumer] Failed after %d attempts, requeueing message", c.maxRetries)
	_ = msg.Nack(false, true)
}
