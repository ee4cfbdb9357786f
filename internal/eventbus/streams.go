package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

const (
	// StreamReportEvents is the JetStream stream for report lifecycle events.
	StreamReportEvents = "POLLUTION_EVENTS"

	// DefaultSubjectPrefix is used when nats.subject-prefix is unset.
	DefaultSubjectPrefix = "pollution"
)

// SubjectForEvent returns the NATS subject for a given event type.
// Format: <prefix>.events.<event_type> (e.g., pollution.events.ReportApproved).
func SubjectForEvent(prefix string, eventType EventType) string {
	return eventPrefix(prefix) + string(eventType)
}

func eventPrefix(prefix string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + ".events."
}

// EnsureStreams creates the required JetStream streams if they don't already
// exist. Called at startup when NATS is configured.
func EnsureStreams(js nats.JetStreamContext, prefix string) error {
	_, err := js.StreamInfo(StreamReportEvents)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("look up %s stream: %w", StreamReportEvents, err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamReportEvents,
		Subjects: []string{eventPrefix(prefix) + ">"},
		Storage:  nats.FileStorage,
		// Retain last 10000 messages or 100MB, whichever comes first.
		MaxMsgs:  10000,
		MaxBytes: 100 << 20,
	})
	if err != nil {
		return fmt.Errorf("create %s stream: %w", StreamReportEvents, err)
	}
	return nil
}

// Subscribe delivers new events of the given types (all types when none are
// given) to fn. Messages are acknowledged after fn returns; malformed
// messages are acknowledged and skipped. An empty durable name creates an
// ephemeral consumer.
func Subscribe(ctx context.Context, js nats.JetStreamContext, prefix, durable string, fn func(context.Context, *Event), types ...EventType) ([]*nats.Subscription, error) {
	subjects := []string{eventPrefix(prefix) + ">"}
	if len(types) > 0 {
		subjects = subjects[:0]
		for _, t := range types {
			subjects = append(subjects, SubjectForEvent(prefix, t))
		}
	}

	handler := func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err == nil {
			fn(ctx, &ev)
		}
		_ = msg.Ack()
	}

	var subs []*nats.Subscription
	for _, subject := range subjects {
		opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
		if durable != "" {
			opts = append(opts, nats.Durable(durable+"-"+consumerSuffix(subject)))
		}
		sub, err := js.Subscribe(subject, handler, opts...)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// consumerSuffix turns a subject into a valid consumer name fragment.
func consumerSuffix(subject string) string {
	out := make([]byte, 0, len(subject))
	for i := 0; i < len(subject); i++ {
		c := subject[i]
		switch {
		case c == '.' || c == '>' || c == '*':
			out = append(out, '_')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
