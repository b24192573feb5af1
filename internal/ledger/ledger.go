package ledger

/*
Файл ledger.go реализует движок Audit Ledger — неблокирующий сбор и
персистентность журнала аудита.

Ключевые особенности архитектуры:
- Non-blocking Logging: события уходят в буферизированный канал,
  задержки записи в БД не влияют на Response Time шлюза.
- Batching: накопление событий в памяти и пакетная вставка (Bulk Insert)
  по таймеру или при достижении лимита.
- Drain Pattern & Graceful Shutdown: при остановке буфер вычитывается
  полностью, финальный flush гарантирует отсутствие потерь при перезапуске.
- Append-only: у хранилища нет путей update/delete, только вставка и выборка.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/capgate/internal/domain"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически сохраняются строки журнала.
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []domain.AuditEvent) error
	// Fetch возвращает строки по фильтру, новые — первыми
	Fetch(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, error)
}

// Recorder — контракт для всех компонентов, порождающих аудит.
type Recorder interface {
	Record(event domain.AuditEvent)
}

const batchLimit = 100

type Ledger struct {
	ch     chan domain.AuditEvent
	repo   StorageInterface
	logger *zap.Logger
	wg     sync.WaitGroup
	// Защита от Record после остановки
	isClosed int32
}

func New(repo StorageInterface, bufferSize int, logger *zap.Logger) *Ledger {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Ledger{
		ch:     make(chan domain.AuditEvent, bufferSize),
		repo:   repo,
		logger: logger.With(zap.String("mod", "ledger")),
	}
}

func (l *Ledger) Start(flushInterval time.Duration) {
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	l.wg.Add(1)
	go l.worker(flushInterval)
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (l *Ledger) Stop() {
	atomic.StoreInt32(&l.isClosed, 1)

	// Крошечная пауза, чтобы текущие Record успели проскочить
	time.Sleep(10 * time.Millisecond)

	l.logger.Info("stopping ledger: closing channel and flushing buffer...")
	close(l.ch)
	l.wg.Wait()
	l.logger.Info("ledger stopped gracefully")
}

// Record принимает событие в журнал. Никогда не блокирует вызывающего.
func (l *Ledger) Record(event domain.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	if atomic.LoadInt32(&l.isClosed) == 1 {
		l.logger.Warn("audit event dropped: ledger is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case l.ch <- event:
	default:
		// Переполнение буфера: событие уходит хотя бы в структурный лог,
		// чтобы не потерять свидетельство попытки
		l.logger.Error("audit_buffer_overflow",
			zap.String("action", event.Action),
			zap.String("actor_id", event.ActorID),
			zap.String("target", event.Target),
		)
	}
}

// Fetch — выборка журнала для API и скоркарда.
func (l *Ledger) Fetch(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, error) {
	return l.repo.Fetch(ctx, filter)
}

// Pending — текущая заполненность буфера (для метрик).
func (l *Ledger) Pending() int { return len(l.ch) }

func (l *Ledger) worker(flushInterval time.Duration) {
	defer l.wg.Done()

	batch := make([]domain.AuditEvent, 0, batchLimit)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст на shutdown уже может быть закрыт
		if err := l.repo.WriteBatch(context.Background(), batch); err != nil {
			l.logger.Error("audit flush failed", zap.Error(err), zap.Int("batch", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-l.ch:
			if !ok {
				// Канал закрыт в Stop(): вычитали остатки, финальный flush и выход
				flush()
				l.logger.Info("ledger worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= batchLimit {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
