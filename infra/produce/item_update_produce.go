package produce

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ItemUpdateExchange   = "batch.exchange"
	ItemUpdateQueue      = "batch.item_update"
	ItemUpdateRoutingKey = "batch.item_update"
)

// ItemUpdate is one item's new state as reported by a generation worker.
type ItemUpdate struct {
	ItemID       string  `json:"image_id"`
	Status       string  `json:"status"`
	ResultURL    *string `json:"result_url,omitempty"`
	MaskURL      *string `json:"mask_url,omitempty"`
	ThumbnailURL *string `json:"thumbnail_url,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

type ItemUpdateMessage struct {
	Updates   []ItemUpdate `json:"updates"`
	Source    string       `json:"source"`
	Timestamp int64        `json:"timestamp"`
}

type ItemUpdateService struct {
	channel *amqp.Channel
}

func InitItemUpdateService(channel *amqp.Channel) *ItemUpdateService {
	err := channel.ExchangeDeclare(
		ItemUpdateExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		panic("Failed to declare Batch exchange: " + err.Error())
	}

	_, err = channel.QueueDeclare(
		ItemUpdateQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		panic("Failed to declare Item Update queue: " + err.Error())
	}

	err = channel.QueueBind(
		ItemUpdateQueue,
		ItemUpdateRoutingKey,
		ItemUpdateExchange,
		false,
		nil,
	)
	if err != nil {
		panic("Failed to bind Item Update queue: " + err.Error())
	}

	return &ItemUpdateService{channel: channel}
}

// PublishItemUpdates queues updates for the item update consumer.
func (s *ItemUpdateService) PublishItemUpdates(ctx context.Context, msg ItemUpdateMessage) error {
	msg.Timestamp = time.Now().Unix()

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return s.channel.PublishWithContext(
		ctx,
		ItemUpdateExchange,
		ItemUpdateRoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
}
