// Package telemetry ships per-operation balance snapshots to InfluxDB.
package telemetry

import (
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Recorder writes one point per lifecycle operation using the
// non-blocking write API, so a slow or absent InfluxDB never backs up
// into payment processing.
type Recorder struct {
	client influxdb2.Client
	writer api.WriteAPI
}

// NewRecorder creates a recorder writing to the given org and bucket.
func NewRecorder(url, token, org, bucket string) *Recorder {
	client := influxdb2.NewClient(url, token)
	return &Recorder{
		client: client,
		writer: client.WriteAPI(org, bucket),
	}
}

// Record writes one operation point.
func (r *Recorder) Record(op string, paymentID uuid.UUID, unclearedTotal, clearedTotal uint64) {
	if r == nil {
		return
	}

	point := influxdb2.NewPoint("ledger_operation",
		map[string]string{"op": op},
		map[string]interface{}{
			"payment_id":      paymentID.String(),
			"uncleared_total": int64(unclearedTotal),
			"cleared_total":   int64(clearedTotal),
		},
		time.Now())
	r.writer.WritePoint(point)
}

// Close flushes buffered points and shuts the client down.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.writer.Flush()
	r.client.Close()
}
