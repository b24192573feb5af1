package ledger

import (
	"context"
	"time"

	"github.com/xela07ax/capgate/internal/canon"
	"github.com/xela07ax/capgate/internal/domain"
)

// Bundle — экспортный снимок журнала. Digest считается всегда,
// Signature — только при сконфигурированном HMAC-ключе.
// Полной hash-цепочки нет: tamper-evidence дается на уровне снимка.
type Bundle struct {
	Rows        []domain.AuditEvent `json:"rows"`
	GeneratedAt time.Time           `json:"generated_at"`
	Digest      string              `json:"digest"`
	Signature   string              `json:"signature,omitempty"`
}

// VerifyResult — итог проверки снимка.
type VerifyResult struct {
	OK bool `json:"ok"`
}

type exportPayload struct {
	Rows        []domain.AuditEvent `json:"rows"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// Exporter собирает и подписывает снимки журнала.
type Exporter struct {
	ledger *Ledger
	key    []byte // nil = подпись не сконфигурирована
}

func NewExporter(ledger *Ledger, signingKey []byte) *Exporter {
	var key []byte
	if len(signingKey) > 0 {
		key = append([]byte(nil), signingKey...)
	}
	return &Exporter{ledger: ledger, key: key}
}

// Export выбирает строки и формирует снимок с digest и опциональной подписью.
func (e *Exporter) Export(ctx context.Context, filter domain.AuditFilter) (*Bundle, error) {
	rows, err := e.ledger.Fetch(ctx, filter)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []domain.AuditEvent{}
	}

	generatedAt := time.Now().UTC()
	payload, err := canon.Marshal(exportPayload{Rows: rows, GeneratedAt: generatedAt})
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{
		Rows:        rows,
		GeneratedAt: generatedAt,
		Digest:      canon.SHA256Hex(payload),
	}
	if e.key != nil {
		bundle.Signature = canon.HMACHex(e.key, payload)
	}
	return bundle, nil
}

// Verify пересчитывает digest и подпись снимка.
// Без ключа проверяется только целостность payload (digest).
func Verify(bundle *Bundle, key []byte) VerifyResult {
	payload, err := canon.Marshal(exportPayload{Rows: bundle.Rows, GeneratedAt: bundle.GeneratedAt})
	if err != nil {
		return VerifyResult{OK: false}
	}

	if !canon.HMACEqual(bundle.Digest, canon.SHA256Hex(payload)) {
		return VerifyResult{OK: false}
	}

	if len(key) > 0 || bundle.Signature != "" {
		if !canon.HMACEqual(bundle.Signature, canon.HMACHex(key, payload)) {
			return VerifyResult{OK: false}
		}
	}

	return VerifyResult{OK: true}
}
