package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	appctx "issuance/internal/core/context"
	"issuance/internal/core/id"
)

// CompressionAlgo specifies the compression algorithm of a stored blob.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// defaultCompressThreshold is the payload size above which blobs are stored
// zstd-compressed.
const defaultCompressThreshold = 10 * 1024

// Codec compresses large blobs with zstd. Encoder and decoder are safe for
// concurrent EncodeAll/DecodeAll use.
type Codec struct {
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	threshold int
}

// NewCodec creates a zstd codec compressing blobs above threshold bytes.
// threshold <= 0 selects the default of 10 KiB.
func NewCodec(threshold int) (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	if threshold <= 0 {
		threshold = defaultCompressThreshold
	}
	return &Codec{encoder: encoder, decoder: decoder, threshold: threshold}, nil
}

// Encode returns data unchanged when small, compressed otherwise.
func (c *Codec) Encode(data []byte) ([]byte, CompressionAlgo) {
	if len(data) <= c.threshold {
		return data, CompressionNone
	}
	return c.encoder.EncodeAll(data, nil), CompressionZstd
}

// Decode reverses Encode.
func (c *Codec) Decode(data []byte, algo CompressionAlgo) ([]byte, error) {
	if algo != CompressionZstd || len(data) == 0 {
		return data, nil
	}
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}

// AuditEntry is one recorded state change of a pack or case.
type AuditEntry struct {
	ID         id.ID           `db:"id" json:"id"`
	EntityType string          `db:"entity_type" json:"entity_type"`
	EntityID   id.ID           `db:"entity_id" json:"entity_id"`
	Action     string          `db:"action" json:"action"`
	Actor      string          `db:"actor" json:"actor"`
	Changes    json.RawMessage `db:"changes" json:"changes"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// AuditService writes the audit trail to issuance_audit.
type AuditService struct {
	txManager *TxManager
	codec     *Codec
	now       func() time.Time
}

// NewAuditService creates a new audit service.
func NewAuditService(txManager *TxManager, codec *Codec) *AuditService {
	return &AuditService{txManager: txManager, codec: codec, now: time.Now}
}

// LogChange records changes for an entity inside the current transaction,
// so the trail commits or rolls back with the change itself.
func (s *AuditService) LogChange(ctx context.Context, entityType string, entityID id.ID, action string, changes map[string]any) error {
	raw, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	blob, algo := s.codec.Encode(raw)

	_, err = s.txManager.GetQuerier(ctx).Exec(ctx, `
		INSERT INTO issuance_audit (id, entity_type, entity_id, action, actor, changes, compression_algo, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id.New(), entityType, entityID, action, appctx.GetCaseworkerID(ctx), blob, algo, s.now().UTC())
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// History returns the audit trail of an entity, oldest first.
func (s *AuditService) History(ctx context.Context, entityType string, entityID id.ID, limit int) ([]AuditEntry, error) {
	rows, err := s.txManager.GetQuerier(ctx).Query(ctx, `
		SELECT id, entity_type, entity_id, action, actor, changes, compression_algo, created_at
		FROM issuance_audit
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at, id
		LIMIT $3
	`, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e    AuditEntry
			blob []byte
			algo CompressionAlgo
		)
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.Actor, &blob, &algo, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if e.Changes, err = s.codec.Decode(blob, algo); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
