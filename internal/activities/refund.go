package activities

import (
	"context"

	"go.uber.org/zap"

	"github.com/SidU/durable-support-agent/model"
)

// Refunder issues the refund for an approved refund case.
type Refunder interface {
	Refund(ctx context.Context, c model.Case) error
}

// LogRefunder records refunds in the log without contacting a payment
// provider.
type LogRefunder struct {
	logger *zap.Logger
}

// NewLogRefunder creates a LogRefunder.
func NewLogRefunder(logger *zap.Logger) *LogRefunder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRefunder{logger: logger}
}

// Refund implements Refunder.
func (r *LogRefunder) Refund(_ context.Context, c model.Case) error {
	var amount float64
	if c.RefundAmount != nil {
		amount = *c.RefundAmount
	}
	r.logger.Info("refund processed (simulated)",
		zap.String("case_id", c.ID),
		zap.String("order_id", c.OrderID),
		zap.Float64("amount", amount),
	)
	return nil
}
