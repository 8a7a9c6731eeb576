package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/warp/payroll-engine/payroll"
)

// PubSubConfig configures NewPubSubTransport.
type PubSubConfig struct {
	ProjectID string
	Topic     string
	// CredentialsJSON is optional; Application Default Credentials are used when empty.
	CredentialsJSON string
	// CreateTopic creates the topic at startup if it does not exist.
	CreateTopic bool
}

// publishFunc publishes one message and blocks for the server-assigned ID.
type publishFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// PubSubTransport publishes payslips to a Pub/Sub topic.
type PubSubTransport struct {
	client  *pubsub.Client
	topic   *pubsub.Topic
	publish publishFunc
	now     func() time.Time
	log     logrus.FieldLogger
}

var _ payroll.Transport = (*PubSubTransport)(nil)

// NewPubSubTransport opens a client and resolves the topic.
func NewPubSubTransport(ctx context.Context, cfg PubSubConfig, log logrus.FieldLogger) (*PubSubTransport, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("pubsub topic is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(cfg.Topic)
	if cfg.CreateTopic {
		ok, err := topic.Exists(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("check topic %q: %w", cfg.Topic, err)
		}
		if !ok {
			if topic, err = client.CreateTopic(ctx, cfg.Topic); err != nil {
				client.Close()
				return nil, fmt.Errorf("create topic %q: %w", cfg.Topic, err)
			}
		}
	}

	log.WithFields(logrus.Fields{"project_id": cfg.ProjectID, "topic": cfg.Topic}).Info("pubsub transport ready")

	return &PubSubTransport{
		client: client,
		topic:  topic,
		publish: func(ctx context.Context, msg *pubsub.Message) (string, error) {
			return topic.Publish(ctx, msg).Get(ctx)
		},
		now: time.Now,
		log: log,
	}, nil
}

// Deliver publishes the payslip and returns the Pub/Sub message ID.
func (t *PubSubTransport) Deliver(ctx context.Context, d payroll.Delivery) (string, error) {
	slip := NewPayslip(d, t.now())
	data, err := slip.encode()
	if err != nil {
		return "", fmt.Errorf("encode payslip: %w", err)
	}

	id, err := t.publish(ctx, &pubsub.Message{Data: data, Attributes: slip.attributes()})
	if err != nil {
		t.log.WithError(err).WithFields(logrus.Fields{
			"run_id":      d.RunID,
			"employee_id": d.EmployeeID,
		}).Warn("payslip publish failed")
		return "", fmt.Errorf("publish payslip: %w", err)
	}
	return id, nil
}

// Close flushes pending publishes and closes the client.
func (t *PubSubTransport) Close() error {
	if t.topic != nil {
		t.topic.Stop()
	}
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}
