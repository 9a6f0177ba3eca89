// Package mqtt receives update images published on the application's update
// topic and reports progress on the device status topic.
package mqtt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/autopeer-io/flashota/internal/transport"
	"github.com/autopeer-io/flashota/pkg/log"
	"github.com/autopeer-io/flashota/pkg/mqtt"
	"github.com/autopeer-io/flashota/pkg/options"
)

// Source labels sessions started by this transport.
const Source = "mqtt"

const publishTimeout = 5 * time.Second

// Transport connects a dispatcher to an MQTT broker. Each message on the
// update topic is one update session.
type Transport struct {
	mc mqtt.Client
	d  *transport.Dispatcher

	updateTopic string
	statusTopic string
	onlineTopic string
	chunkSize   int
}

var _ transport.Reporter = (*Transport)(nil)

// New returns a transport for the topics in o.
func New(client mqtt.Client, d *transport.Dispatcher, o *options.MqttOptions, chunkSize int) *Transport {
	t := &Transport{
		mc:          client,
		d:           d,
		updateTopic: o.UpdateTopic(),
		statusTopic: o.StatusTopic(),
		onlineTopic: o.OnlineTopic(),
		chunkSize:   chunkSize,
	}
	d.AddReporter(t)
	return t
}

// Run connects, subscribes to the update topic and blocks until ctx ends.
func (t *Transport) Run(ctx context.Context) error {
	if err := t.mc.Start(ctx); err != nil {
		return err
	}
	if err := t.mc.AwaitConnection(ctx); err != nil {
		return err
	}

	if err := t.mc.Publish(ctx, t.onlineTopic, 1, true, []byte("online")); err != nil {
		log.Warn("Failed to publish presence", "topic", t.onlineTopic, "err", err.Error())
	}
	if err := t.mc.Subscribe(ctx, t.updateTopic, 1, t.handle); err != nil {
		return fmt.Errorf("subscribe %s: %w", t.updateTopic, err)
	}
	log.Info("Waiting for updates over MQTT", "topic", t.updateTopic)

	<-ctx.Done()
	t.stop()
	return nil
}

func (t *Transport) stop() {
	log.Info("Disconnecting MQTT client...")
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := t.mc.Publish(ctx, t.onlineTopic, 1, true, []byte("offline")); err != nil {
		log.Warn("Failed to publish presence", "topic", t.onlineTopic, "err", err.Error())
	}
	t.mc.Disconnect(ctx)
}

// handle feeds one retained or live update message into a session.
func (t *Transport) handle(ctx context.Context, topic string, payload []byte) {
	if len(payload) == 0 {
		// An empty retained message clears the topic.
		return
	}
	log.Info("Update received", "topic", topic, "bytes", len(payload))

	res, err := t.d.Feed(ctx, Source, bytes.NewReader(payload), int64(len(payload)), t.chunkSize)
	if err != nil {
		log.Error(err, "MQTT update failed", "topic", topic)
		return
	}
	log.Info("MQTT update finished", "state", string(res.State), "version", res.Version)
}

// Report publishes st on the status topic as JSON.
func (t *Transport) Report(ctx context.Context, st transport.Status) {
	payload, err := MarshalStatus(st)
	if err != nil {
		log.Error(err, "Failed to encode status")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := t.mc.Publish(ctx, t.statusTopic, 1, false, payload); err != nil {
		log.Warn("Failed to publish status", "topic", t.statusTopic, "err", err.Error())
	}
}

// MarshalStatus encodes st as a protobuf Struct in JSON form.
func MarshalStatus(st transport.Status) ([]byte, error) {
	fields := map[string]any{
		"source":   st.Source,
		"state":    st.State,
		"written":  st.Written,
		"received": st.Received,
		"time":     st.Time.Format(time.RFC3339Nano),
	}
	if st.Outcome != "" {
		fields["outcome"] = st.Outcome
	}
	if st.Version != 0 {
		fields["version"] = st.Version
	}
	if st.Slot != "" {
		fields["slot"] = st.Slot
	}
	if st.Error != "" {
		fields["error"] = st.Error
	}

	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(msg)
}

// UnmarshalStatus decodes a payload written by MarshalStatus.
func UnmarshalStatus(payload []byte) (transport.Status, error) {
	var msg structpb.Struct
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(payload, &msg); err != nil {
		return transport.Status{}, fmt.Errorf("proto unmarshal failed: %w", err)
	}

	f := msg.GetFields()
	st := transport.Status{
		Source:   f["source"].GetStringValue(),
		State:    f["state"].GetStringValue(),
		Outcome:  f["outcome"].GetStringValue(),
		Version:  uint64(f["version"].GetNumberValue()),
		Slot:     f["slot"].GetStringValue(),
		Written:  uint32(f["written"].GetNumberValue()),
		Received: int64(f["received"].GetNumberValue()),
		Error:    f["error"].GetStringValue(),
	}
	if ts := f["time"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return transport.Status{}, err
		}
		st.Time = t
	}
	return st, nil
}
