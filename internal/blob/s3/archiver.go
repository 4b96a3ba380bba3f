package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/looplabs/loopkeeper/internal/domain"
)

// PositionArchiver writes finalized position records and aged-out audit rows
// to the object store. Audit rows are deleted from Postgres only after the
// upload succeeds; the archive is the durable copy.
type PositionArchiver struct {
	writer *Writer
	audit  domain.AuditStore
}

// NewPositionArchiver creates a PositionArchiver. audit may be nil when audit
// export is not wanted.
func NewPositionArchiver(writer *Writer, audit domain.AuditStore) *PositionArchiver {
	return &PositionArchiver{writer: writer, audit: audit}
}

// positionRecord is the archived JSON shape of a finalized position.
type positionRecord struct {
	User              string   `json:"user"`
	CollateralAsset   string   `json:"collateral_asset"`
	BorrowAsset       string   `json:"borrow_asset"`
	Conversion        string   `json:"conversion"`
	SwapPath          []string `json:"swap_path,omitempty"`
	InitialCollateral string   `json:"initial_collateral"`
	TargetLeverage    string   `json:"target_leverage"`
	CurrentIteration  int      `json:"current_iteration"`
	UseFlash          bool     `json:"use_flash"`
	OpenedAt          string   `json:"opened_at"`
	FinalizedAt       string   `json:"finalized_at"`
}

// ArchivePosition uploads a finalized position's record to
// archive/positions/<user>/<finalized-ts>.json.
func (a *PositionArchiver) ArchivePosition(ctx context.Context, pos domain.Position) error {
	now := time.Now().UTC()
	rec := positionRecord{
		User:              pos.User.Hex(),
		CollateralAsset:   pos.CollateralAsset.Hex(),
		BorrowAsset:       pos.BorrowAsset.Hex(),
		Conversion:        string(pos.Conversion),
		InitialCollateral: pos.InitialCollateral.String(),
		TargetLeverage:    pos.TargetLeverage.String(),
		CurrentIteration:  pos.CurrentIteration,
		UseFlash:          pos.UseFlashExecution,
		OpenedAt:          pos.OpenedAt.UTC().Format(time.RFC3339),
		FinalizedAt:       now.Format(time.RFC3339),
	}
	for _, hop := range pos.SwapPath {
		rec.SwapPath = append(rec.SwapPath, hop.Hex())
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("s3blob: marshal position record: %w", err)
	}
	key := fmt.Sprintf("archive/positions/%s/%s.json", pos.User.Hex(), now.Format("20060102T150405Z"))
	if err := a.writer.Put(ctx, key, body, "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive position %s: %w", pos.User.Hex(), err)
	}
	return nil
}

// ExportAudit uploads every audit row older than cutoff as JSONL to
// archive/audit/YYYY-MM.jsonl, then prunes the exported rows. Returns the
// number of rows removed from the hot store.
func (a *PositionArchiver) ExportAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	if a.audit == nil {
		return 0, nil
	}
	entries, err := a.audit.List(ctx, domain.ListOpts{Until: &cutoff})
	if err != nil {
		return 0, fmt.Errorf("s3blob: audit export query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: audit export marshal: %w", err)
	}
	key := fmt.Sprintf("archive/audit/%s.jsonl", cutoff.UTC().Format("2006-01"))
	if err := a.writer.PutStream(ctx, key, bytes.NewReader(buf), "application/x-ndjson", 0); err != nil {
		return 0, fmt.Errorf("s3blob: audit export upload: %w", err)
	}

	deleted, err := a.audit.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: audit export prune: %w", err)
	}
	return deleted, nil
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
