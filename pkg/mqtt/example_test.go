package mqtt_test

import (
	"context"
	"fmt"
	"time"

	"github.com/autopeer-io/flashota/pkg/log"
	"github.com/autopeer-io/flashota/pkg/mqtt"
	"github.com/autopeer-io/flashota/pkg/mqtt/topic"
)

// ExampleClient shows how a device subscribes to its update topic and reports status.
func ExampleClient() {
	cfg := &mqtt.ClientConfig{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "device-001",
		KeepAlive:      60,
		ConnectTimeout: 5 * time.Second,
		// Devices want updates published while they were offline.
		CleanStart: false,
	}

	client, err := mqtt.NewClient(cfg)
	if err != nil {
		log.Error(err, "Failed to create MQTT client")
		return
	}

	// Start returns immediately; the connection (and reconnects) happen in the background.
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		log.Error(err, "Failed to start MQTT client")
		return
	}

	topics := topic.NewTopicBuilder("")

	// Handlers run on their own goroutine.
	onUpdate := func(ctx context.Context, t string, payload []byte) {
		fmt.Printf("update of %d bytes on %s\n", len(payload), t)
	}

	// Subscriptions are re-sent after every reconnect.
	if err := client.Subscribe(ctx, topics.Update("flashota", "1.0"), 1, onUpdate); err != nil {
		log.Error(err, "Failed to subscribe")
	}

	if err := client.AwaitConnection(ctx); err != nil {
		log.Error(err, "Connection timed out")
		return
	}

	status := topics.Status("device-001")
	if err := client.Publish(ctx, status, 1, false, []byte(`{"state":"idle"}`)); err != nil {
		log.Error(err, "Failed to publish message", "topic", status)
	}

	client.Disconnect(ctx)
}
