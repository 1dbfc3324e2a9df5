package state

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// MarkAudit is one mark-to-market observation persisted for later audit.
// Records are msgpack-encoded: the audit trail grows every monitoring
// cycle for every position, so rows stay compact.
type MarkAudit struct {
	Symbol     string  `msgpack:"s"`
	TimeMS     int64   `msgpack:"t"`
	Price      float64 `msgpack:"p"`
	Unrealized float64 `msgpack:"u"`
	Quantity   float64 `msgpack:"q"`
}

// AuditSink receives mark-audit records. The sqlite store implements it.
type AuditSink interface {
	AppendMarkAudit(ctx context.Context, record MarkAudit) error
	MarkAudits(ctx context.Context, symbol string, limit int) ([]MarkAudit, error)
}

func (r MarkAudit) Time() time.Time {
	return time.UnixMilli(r.TimeMS)
}

func EncodeMarkAudit(record MarkAudit) ([]byte, error) {
	return msgpack.Marshal(record)
}

func DecodeMarkAudit(payload []byte) (MarkAudit, error) {
	var record MarkAudit
	err := msgpack.Unmarshal(payload, &record)
	return record, err
}
