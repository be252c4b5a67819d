package app

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ghostbot/payout-reconciler/internal/domain"
	"github.com/sirupsen/logrus"
)

// ConfirmationConsumer turns deposit.confirmed events into immediate dispatch
// runs so a confirmed deposit does not wait for the next poll.
type ConfirmationConsumer struct {
	ctx        context.Context
	dispatcher DepositDispatcher
	log        *logrus.Entry
	timeout    time.Duration
}

// NewConfirmationConsumer binds the consumer to the service lifetime ctx.
// timeout caps one dispatch run, polling included.
func NewConfirmationConsumer(ctx context.Context, dispatcher DepositDispatcher, log *logrus.Entry, timeout time.Duration) *ConfirmationConsumer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ConfirmationConsumer{ctx: ctx, dispatcher: dispatcher, log: log, timeout: timeout}
}

// HandleMessage processes one delivery. It returns true to ack and false to
// requeue.
func (c *ConfirmationConsumer) HandleMessage(body []byte) bool {
	var event domain.DepositEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.log.WithError(err).Error("invalid deposit event payload; dropping")
		return true
	}
	if strings.TrimSpace(event.DepositID) == "" {
		c.log.Warn("deposit event without deposit_id; dropping")
		return true
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	result, err := c.dispatcher.Run(ctx, DispatchRequest{DepositID: event.DepositID, CustomerID: event.CustomerID})
	if err != nil {
		// Transient; the poller also covers this deposit, but requeue for a quicker retry.
		c.log.WithError(err).WithField("deposit_id", event.DepositID).Warn("dispatch from event failed")
		return false
	}
	c.log.WithFields(logrus.Fields{"deposit_id": event.DepositID, "outcome": result.Outcome, "event_id": event.EventID}).Info("processed deposit event")
	return true
}
