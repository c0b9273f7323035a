// Package telemetry writes operator earnings to InfluxDB as time series so
// dashboards can chart settled income, buffer growth and slashes per node.
package telemetry

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/shopspring/decimal"

	"github.com/neurogrid/lifecycle/pkg/messaging"
)

const (
	measurementEarnings   = "node_earnings"
	measurementSlashes    = "node_slashes"
	measurementWithdrawal = "node_withdrawals"
)

// Recorder turns lifecycle events into points. It implements
// messaging.Sink so it can be attached to the event bus.
type Recorder struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

func NewRecorder(url, token, org, bucket string) *Recorder {
	client := influxdb2.NewClient(url, token)
	return &Recorder{client: client, writer: client.WriteAPIBlocking(org, bucket)}
}

// Ping checks the server is reachable.
func (r *Recorder) Ping(ctx context.Context) error {
	ok, err := r.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influx ping: %w", err)
	}
	if !ok {
		return fmt.Errorf("influx ping: server not ready")
	}
	return nil
}

func (r *Recorder) PublishEvent(ctx context.Context, event *messaging.Event) error {
	p, err := PointFor(event)
	if err != nil || p == nil {
		return err
	}
	if err := r.writer.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

func (r *Recorder) Close() {
	r.client.Close()
}

// PointFor maps an event to a point. Events that carry no money return nil.
func PointFor(event *messaging.Event) (*write.Point, error) {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	switch event.Type {
	case messaging.EventTypeRentalSettled:
		d, err := messaging.ParseEventData[messaging.SettlementEvent](event)
		if err != nil {
			return nil, err
		}
		return write.NewPoint(measurementEarnings,
			map[string]string{"node_id": d.NodeID, "session_id": d.SessionID},
			map[string]interface{}{
				"hour":       d.Hour,
				"unlock_usd": usd(d.UnlockUsd),
				"free_usd":   usd(d.ToFreeUsd),
				"buffer_usd": usd(d.ToBufferUsd),
			}, ts), nil

	case messaging.EventTypeRentalDisputed, messaging.EventTypeNodeForceRelease:
		d, err := messaging.ParseEventData[messaging.SlashEvent](event)
		if err != nil {
			return nil, err
		}
		return write.NewPoint(measurementSlashes,
			map[string]string{"node_id": d.NodeID, "kind": event.Type},
			map[string]interface{}{
				"slash_usd":  usd(d.SlashUsd),
				"refund_usd": usd(d.RefundUsd),
			}, ts), nil

	case messaging.EventTypeBalanceWithdrawn:
		d, err := messaging.ParseEventData[messaging.WithdrawalEvent](event)
		if err != nil {
			return nil, err
		}
		return write.NewPoint(measurementWithdrawal,
			map[string]string{"node_id": d.NodeID, "pool": d.Pool},
			map[string]interface{}{"amount_usd": usd(d.AmountUsd)}, ts), nil
	}
	return nil, nil
}

func usd(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}
