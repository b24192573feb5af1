package domain

// ConnectorHealth — точечный снимок здоровья коннектора.
// Не персистится: живет только в памяти пробера до следующего цикла.
type ConnectorHealth struct {
	ID        string `json:"id"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latency_ms"`
}
