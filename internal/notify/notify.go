// Package notify delivers transfer notices to account holders.
//
// Delivery is best effort. A Notifier never reports failure to its caller;
// implementations log what they could not deliver.
package notify

import (
	"context"

	"funds-transfer/internal/account"
	"funds-transfer/internal/logging"

	"go.uber.org/zap"
)

type Notifier interface {
	NotifyAboutTransfer(ctx context.Context, acc *account.Account, message string)
}

// Direction says which side of a transfer a notice describes.
type Direction string

const (
	DirectionDebit  Direction = "DEBIT"
	DirectionCredit Direction = "CREDIT"
)

type directionKey struct{}

// WithDirection tags ctx for the notices sent under it.
func WithDirection(ctx context.Context, d Direction) context.Context {
	return context.WithValue(ctx, directionKey{}, d)
}

// DirectionOf returns the direction carried by ctx, or "" when untagged.
func DirectionOf(ctx context.Context) Direction {
	d, _ := ctx.Value(directionKey{}).(Direction)
	return d
}

// LogNotifier writes notices to the service log.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) NotifyAboutTransfer(ctx context.Context, acc *account.Account, message string) {
	n.log.Info("sending transfer notification",
		zap.String("account_id", acc.ID()),
		zap.String("direction", string(DirectionOf(ctx))),
		zap.String("message", message),
		zap.String("correlation_id", logging.CorrelationID(ctx)),
	)
}

// Multi fans a notice out to every notifier, in order.
type Multi []Notifier

func (m Multi) NotifyAboutTransfer(ctx context.Context, acc *account.Account, message string) {
	for _, n := range m {
		n.NotifyAboutTransfer(ctx, acc, message)
	}
}
