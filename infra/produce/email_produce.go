package produce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	EmailExchange            = "email_exchange"
	DeliveryEmailRoutingKey  = "email.delivery"
	defaultConfirmWaitPeriod = 15 * time.Second
)

var ErrPublishNotConfirmed = errors.New("email message was not confirmed by the broker")

type EmailMessage struct {
	Type          string `json:"type"`
	Recipient     string `json:"recipient"`
	RecipientName string `json:"recipientName,omitempty"`
	Content       string `json:"content"`
	ActionUrl     string `json:"actionUrl,omitempty"`
	Links         []Link `json:"links,omitempty"`
}

type Link struct {
	Label string `json:"label"`
	Url   string `json:"url"`
}

// DeliveryImage is one delivered file and its time-limited download URL.
type DeliveryImage struct {
	Filename string
	Url      string
}

// DeliveryEmail tells a recipient their results are ready.
type DeliveryEmail struct {
	Recipient  string
	Category   string
	ImageCount int
	ActionUrl  string
	ExpiresAt  time.Time
	Images     []DeliveryImage
}

// EmailService publishes to the mail exchange on a channel in confirm mode.
// A send counts as delivered to the transport only once the broker acks it.
type EmailService struct {
	channel     *amqp.Channel
	confirmWait time.Duration
}

func InitEmailService(channel *amqp.Channel) *EmailService {
	if err := channel.Confirm(false); err != nil {
		panic("Failed to put email channel in confirm mode: " + err.Error())
	}

	err := channel.ExchangeDeclare(
		EmailExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		panic("Failed to declare Email exchange: " + err.Error())
	}

	return &EmailService{
		channel:     channel,
		confirmWait: defaultConfirmWaitPeriod,
	}
}

func (s *EmailService) SendDeliveryEmail(ctx context.Context, email DeliveryEmail) error {
	return s.publishEmail(ctx, DeliveryEmailRoutingKey, deliveryMessage(email))
}

// deliveryMessage renders the notification with one link per delivered image.
func deliveryMessage(email DeliveryEmail) EmailMessage {
	noun := "images"
	if email.ImageCount == 1 {
		noun = "image"
	}
	message := EmailMessage{
		Type:      "delivery",
		Recipient: email.Recipient,
		Content: fmt.Sprintf("Your %s photoshoot is ready: %d %s. The download links are valid until %s.",
			email.Category, email.ImageCount, noun, email.ExpiresAt.UTC().Format("2006-01-02 15:04 MST")),
		ActionUrl: email.ActionUrl,
	}
	for _, img := range email.Images {
		message.Links = append(message.Links, Link{Label: img.Filename, Url: img.Url})
	}
	return message
}

func (s *EmailService) publishEmail(ctx context.Context, routingKey string, message EmailMessage) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal email message: %w", err)
	}

	confirmation, err := s.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		EmailExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish email message: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.confirmWait)
	defer cancel()

	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("failed to confirm email message: %w", err)
	}
	if !acked {
		return ErrPublishNotConfirmed
	}
	return nil
}
