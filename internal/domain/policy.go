package domain

import "time"

// KillSwitch — синглтон аварийного флага. Читается на каждом write-пути.
type KillSwitch struct {
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
	Rationale string    `json:"rationale"`
}

// ExemptionStatus вычисляется лениво при чтении: фонового свипера нет.
type ExemptionStatus string

const (
	ExemptionActive  ExemptionStatus = "active"
	ExemptionRevoked ExemptionStatus = "revoked"
	ExemptionExpired ExemptionStatus = "expired"
)

// PolicyExemption — временный, ограниченный по scope обход kill-switch.
// OwnerUID == "" означает «для всех владельцев».
type PolicyExemption struct {
	ID            string     `json:"id"`
	CapabilityID  string     `json:"capability_id"`
	OwnerUID      string     `json:"owner_uid,omitempty"`
	Justification string     `json:"justification"`
	ApprovedBy    string     `json:"approved_by"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedBy     *string    `json:"revoked_by,omitempty"`
}

// StatusAt — единственный источник правды о состоянии exemption.
func (e *PolicyExemption) StatusAt(now time.Time) ExemptionStatus {
	if e.RevokedAt != nil {
		return ExemptionRevoked
	}
	if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
		return ExemptionExpired
	}
	return ExemptionActive
}

// Matches проверяет привязку (capabilityId, ownerUid|*).
func (e *PolicyExemption) Matches(capID, ownerUID string, now time.Time) bool {
	if e.StatusAt(now) != ExemptionActive {
		return false
	}
	if e.CapabilityID != capID {
		return false
	}
	return e.OwnerUID == "" || e.OwnerUID == ownerUID
}
