package mq

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeName = "campaigns"
)

// NewConnection 连接 RabbitMQ；连接名带上进程名和主机名，便于在管理界面区分 scheduler / worker
func NewConnection(url string) (*amqp091.Connection, error) {
	host, _ := os.Hostname()
	props := amqp091.NewConnectionProperties()
	props.SetClientConnectionName(fmt.Sprintf("%s@%s", processName(), host))

	conn, err := amqp091.DialConfig(url, amqp091.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

func processName() string {
	if len(os.Args) == 0 {
		return "campaignmailer"
	}
	return filepath.Base(os.Args[0])
}

// DeclareExchange 声明 campaigns topic exchange（parse 事件）
func DeclareExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(ExchangeName, "topic", true, false, false, false, nil)
}
