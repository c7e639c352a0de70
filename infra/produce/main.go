package produce

import amqp "github.com/rabbitmq/amqp091-go"

type Produce struct {
	EmailService      *EmailService
	ItemUpdateService *ItemUpdateService
}

var produceInstance *Produce

// InitProduce needs a dedicated channel for email: it is switched to confirm mode.
func InitProduce(channel, emailChannel *amqp.Channel) *Produce {
	if produceInstance != nil {
		return produceInstance
	}

	emailService := InitEmailService(emailChannel)
	if emailService == nil {
		panic("Failed to initialize Email service")
	}

	itemUpdateService := InitItemUpdateService(channel)
	if itemUpdateService == nil {
		panic("Failed to initialize Item Update service")
	}

	produceInstance = &Produce{
		EmailService:      emailService,
		ItemUpdateService: itemUpdateService,
	}

	return produceInstance
}

func GetProduce() *Produce {
	if produceInstance == nil {
		panic("Produce not initialized. Call InitProduce() first.")
	}
	return produceInstance
}
