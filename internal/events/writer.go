// Package events stores the event log of each scan: every envelope a scan emits, keyed by
// its per-stream sequence number.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"allylab/pkg/scanstream"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append stores one event of scan scanID. Seq must be unique within the scan.
func (w Writer) Append(ctx context.Context, scanID string, msg scanstream.Message) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	data := []byte(msg.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}
	if !json.Valid(data) {
		return fmt.Errorf("event %d of scan %s: invalid payload", msg.Seq, scanID)
	}
	_, err := w.DB.ExecContext(ctx, `INSERT INTO scan_events(scan_id,seq,ts,type,data_json) VALUES (?,?,?,?,?)`,
		scanID, msg.Seq, ts, string(msg.Type), string(data))
	if err != nil {
		return fmt.Errorf("append event %d of scan %s: %w", msg.Seq, scanID, err)
	}
	return nil
}
