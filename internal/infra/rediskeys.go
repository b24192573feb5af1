package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных шлюза в Redis
	RedisNamespace = "capgw"
)

// Ключи для состояния (warm-up)
const (
	RedisKeyKillSwitch       = RedisNamespace + ":policy:kill_switch"
	RedisKeyLockWarmupPolicy = RedisNamespace + ":lock:warmup:policy"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanKillSwitch — трансляция переключений kill-switch на все инстансы.
	RedisChanKillSwitch = RedisNamespace + ":policy:kill-switch-signal"
	// RedisChanExemptions — инвалидация кэша exemption при create/revoke.
	RedisChanExemptions = RedisNamespace + ":policy:exemption-signal"
	// RedisChanDegraded — переключение деградированного режима.
	RedisChanDegraded = RedisNamespace + ":policy:degraded-signal"
)

// GetWarmupLockKey Генератор ключей для блокировок (если нужны динамические)
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}
