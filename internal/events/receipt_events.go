package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"paylane-backend/internal/models"
)

// ReceiptEvent is the wire shape of one receipt update. The same payload is
// published to NATS and pushed over websocket, so consumers on either
// transport see identical data.
type ReceiptEvent struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	MessageID string          `json:"message_id"`
	OwnerEoa  string          `json:"owner_eoa"`
	Receipt   *models.Receipt `json:"receipt"`
}

// NewReceiptEvent wraps a receipt row into its event envelope.
func NewReceiptEvent(receipt *models.Receipt) *ReceiptEvent {
	return &ReceiptEvent{
		Type:      "receipt_update",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MessageID: uuid.New().String(),
		OwnerEoa:  receipt.OwnerEoa,
		Receipt:   receipt,
	}
}

// NATSPublisher publishes receipt updates to a JetStream subject per status,
// e.g. paylane.8453.receipts.CONFIRMED. Consumers filter by wildcard.
type NATSPublisher struct {
	conn          *nats.Conn
	js            nats.JetStreamContext
	subjectPrefix string
	chainID       uint64
	logger        *logrus.Logger
}

// NewNATSPublisher connects to the event bus. The caller skips construction
// entirely when no NATS URL is configured.
func NewNATSPublisher(url, subjectPrefix string, chainID uint64, timeout time.Duration, logger *logrus.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Timeout(timeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	p := &NATSPublisher{
		conn:          conn,
		js:            js,
		subjectPrefix: subjectPrefix,
		chainID:       chainID,
		logger:        logger,
	}
	if err := p.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *NATSPublisher) streamName() string {
	return "PAYLANE_RECEIPTS"
}

func (p *NATSPublisher) ensureStream() error {
	if _, err := p.js.StreamInfo(p.streamName()); err == nil {
		return nil
	}
	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:      p.streamName(),
		Subjects:  []string{fmt.Sprintf("%s.*.receipts.*", p.subjectPrefix)},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create receipts stream: %w", err)
	}
	return nil
}

// NotifyReceipt publishes the update. Publish failures are logged, never
// propagated: event delivery is best effort and must not fail a transfer.
func (p *NATSPublisher) NotifyReceipt(receipt *models.Receipt) {
	event := NewReceiptEvent(receipt)
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).Error("receipt event marshal failed")
		return
	}

	subject := fmt.Sprintf("%s.%d.receipts.%s", p.subjectPrefix, p.chainID, receipt.Status)
	if _, err := p.js.Publish(subject, data); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"subject":    subject,
			"receipt_id": receipt.ReceiptID,
		}).Warn("receipt event publish failed")
		return
	}
	p.logger.WithFields(logrus.Fields{
		"subject":    subject,
		"receipt_id": receipt.ReceiptID,
		"status":     receipt.Status,
	}).Debug("receipt event published")
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// FanoutNotifier forwards each receipt update to every configured sink.
type FanoutNotifier struct {
	sinks []interface{ NotifyReceipt(*models.Receipt) }
}

// NewFanoutNotifier builds a notifier over the non-nil sinks.
func NewFanoutNotifier(sinks ...interface{ NotifyReceipt(*models.Receipt) }) *FanoutNotifier {
	f := &FanoutNotifier{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// NotifyReceipt fans the update out.
func (f *FanoutNotifier) NotifyReceipt(receipt *models.Receipt) {
	for _, s := range f.sinks {
		s.NotifyReceipt(receipt)
	}
}
