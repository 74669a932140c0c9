// encoder.go implements the per-format event encoders used when building an
// export archive. Encoders write incrementally so batched reads from the
// ledger never require holding the full result set as decoded structs.
package export

import (
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/audit-ledger/audit-ledger/internal/db/models"
)

// eventEncoder serializes events into an export archive. flush must be called
// exactly once after the last encode; it finalizes the output (CSV buffers,
// JSON array close) and reports any deferred write error.
type eventEncoder interface {
	encode(*models.AuditEvent) error
	flush() error
}

func newEncoder(format models.ExportFormat, w io.Writer) (eventEncoder, error) {
	switch format {
	case models.ExportFormatCSV:
		return &csvEncoder{w: csv.NewWriter(w)}, nil
	case models.ExportFormatJSON:
		return &jsonEncoder{w: w}, nil
	case models.ExportFormatNDJSON:
		return &ndjsonEncoder{enc: json.NewEncoder(w)}, nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

var csvHeader = []string{
	"id", "sequence", "timestamp", "actor", "actor_role", "action", "resource",
	"before", "after", "ip_address", "user_agent", "previous_signature", "signature",
}

// csvEncoder writes one header row followed by one row per event. Binary
// snapshot columns are base64 encoded since CSV cannot carry raw bytes.
type csvEncoder struct {
	w          *csv.Writer
	headerDone bool
}

func (e *csvEncoder) encode(ev *models.AuditEvent) error {
	if !e.headerDone {
		if err := e.w.Write(csvHeader); err != nil {
			return err
		}
		e.headerDone = true
	}
	return e.w.Write([]string{
		ev.ID,
		strconv.FormatInt(ev.Sequence, 10),
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.Actor,
		ev.ActorRole,
		ev.Action,
		ev.Resource,
		base64.StdEncoding.EncodeToString(ev.Before),
		base64.StdEncoding.EncodeToString(ev.After),
		ev.IPAddress,
		ev.UserAgent,
		ev.PreviousSignature,
		ev.Signature,
	})
}

func (e *csvEncoder) flush() error {
	// An export matching zero events still gets a header row so the file is
	// recognizably a valid, empty CSV export.
	if !e.headerDone {
		if err := e.w.Write(csvHeader); err != nil {
			return err
		}
		e.headerDone = true
	}
	e.w.Flush()
	return e.w.Error()
}

// jsonEncoder produces a single JSON array without materializing it via
// json.Marshal of the whole slice.
type jsonEncoder struct {
	w io.Writer
	n int
}

func (e *jsonEncoder) encode(ev *models.AuditEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	sep := ","
	if e.n == 0 {
		sep = "["
	}
	e.n++
	if _, err := io.WriteString(e.w, sep); err != nil {
		return err
	}
	_, err = e.w.Write(b)
	return err
}

func (e *jsonEncoder) flush() error {
	if e.n == 0 {
		_, err := io.WriteString(e.w, "[]")
		return err
	}
	_, err := io.WriteString(e.w, "]")
	return err
}

// ndjsonEncoder writes one JSON object per line.
type ndjsonEncoder struct {
	enc *json.Encoder
}

func (e *ndjsonEncoder) encode(ev *models.AuditEvent) error {
	return e.enc.Encode(ev)
}

func (e *ndjsonEncoder) flush() error {
	return nil
}
