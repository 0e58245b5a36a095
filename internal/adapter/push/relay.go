package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"
)

// Topic carries push events between instances. Delivery is best-effort and
// tail-only: an instance that was down missed events its peers also missed,
// and clients resynchronize over HTTP on reconnect.
const Topic = "analyst.push-events"

const errTopicAlreadyExists = 36

// envelope wraps a marshaled event with its origin instance so the
// publishing instance can skip its own records on consume.
type envelope struct {
	Origin    string          `json:"origin"`
	Principal string          `json:"principal"`
	Event     json.RawMessage `json:"event"`
}

// LocalDeliverer receives events consumed from the relay topic.
type LocalDeliverer interface {
	DeliverLocal(principalID string, raw []byte)
}

// Relay publishes push events to the broker and consumes the same topic,
// delivering records that other instances produced.
type Relay struct {
	client *kgo.Client
	origin string
	log    *slog.Logger
}

func NewRelay(brokers []string, origin string, log *slog.Logger) (*Relay, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=push.NewRelay: no seed brokers")
	}
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10 * time.Second),
		kgo.RetryTimeout(30 * time.Second),
		kgo.FetchMaxWait(5 * time.Second),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=push.NewRelay: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, Topic, 1, 1); err != nil {
		log.Warn("push relay topic ensure failed, it may already exist",
			slog.String("topic", Topic), slog.Any("error", err))
	}
	return &Relay{client: client, origin: origin, log: log}, nil
}

// Publish sends one event envelope keyed by principal. Errors are logged,
// never surfaced: the local fan-out already happened.
func (r *Relay) Publish(principalID string, raw []byte) {
	value, err := json.Marshal(envelope{Origin: r.origin, Principal: principalID, Event: raw})
	if err != nil {
		r.log.Error("push relay envelope marshal failed", slog.Any("error", err))
		return
	}
	rec := &kgo.Record{Topic: Topic, Key: []byte(principalID), Value: value}
	r.client.Produce(context.Background(), rec, func(_ *kgo.Record, err error) {
		if err != nil {
			r.log.Warn("push relay produce failed", slog.Any("error", err))
		}
	})
}

// Run consumes the relay topic until ctx ends, delivering records from other
// instances to local peers.
func (r *Relay) Run(ctx context.Context, local LocalDeliverer) {
	r.log.Info("push relay consuming", slog.String("topic", Topic), slog.String("origin", r.origin))
	for {
		fetches := r.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			r.log.Warn("push relay fetch error",
				slog.String("topic", topic), slog.Int("partition", int(partition)), slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			r.handleRecord(rec, local)
		})
	}
}

func (r *Relay) handleRecord(rec *kgo.Record, local LocalDeliverer) {
	var env envelope
	if err := json.Unmarshal(rec.Value, &env); err != nil {
		r.log.Warn("push relay bad record", slog.Any("error", err))
		return
	}
	if env.Origin == r.origin || env.Principal == "" {
		return
	}
	local.DeliverLocal(env.Principal, env.Event)
}

func (r *Relay) Close() {
	r.client.Close()
}

// ensureTopic creates the relay topic, tolerating the already-exists error.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = topic
	t.NumPartitions = partitions
	t.ReplicationFactor = replication
	req.Topics = append(req.Topics, t)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	cresp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type %T", resp)
	}
	for _, tr := range cresp.Topics {
		if tr.ErrorCode != 0 && tr.ErrorCode != errTopicAlreadyExists {
			msg := ""
			if tr.ErrorMessage != nil {
				msg = *tr.ErrorMessage
			}
			return fmt.Errorf("create topic %s: %s (code %d)", tr.Topic, msg, tr.ErrorCode)
		}
	}
	return nil
}
