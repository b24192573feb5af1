package domain

import (
	"fmt"
	"time"
)

// Granularity — ширина фиксированного окна квоты.
type Granularity string

const (
	WindowMinute Granularity = "minute"
	WindowHour   Granularity = "hour"
)

// Duration возвращает ширину окна.
func (g Granularity) Duration() time.Duration {
	if g == WindowHour {
		return time.Hour
	}
	return time.Minute
}

// Truncate выравнивает момент времени на границу окна.
func (g Granularity) Truncate(t time.Time) time.Time {
	return t.Truncate(g.Duration())
}

// QuotaBucket — счетчик окна. Инкремент атомарный (upsert на уровне БД
// или CAS в памяти), read-modify-write без блокировки запрещен.
type QuotaBucket struct {
	Bucket      string    `json:"bucket"`
	WindowStart time.Time `json:"window_start"`
	Count       int64     `json:"count"`
}

// BucketKey — каноничный ключ (actorId, capabilityId, granularity).
func BucketKey(actorID, capID string, g Granularity) string {
	return fmt.Sprintf("%s:%s:%s", actorID, capID, g)
}
