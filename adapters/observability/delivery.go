// Package observability records delivery metadata of assistant responses.
package observability

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/medspa-realtime/domain/entities"
	"github.com/satriahrh/medspa-realtime/domain/repositories"
)

// DeliveryStats aggregates observed deliveries
type DeliveryStats struct {
	Responses      int
	CacheHits      int
	TotalProcessed time.Duration
	ByModel        map[string]int
}

// DeliveryLogger logs every delivery as a structured entry and keeps totals
type DeliveryLogger struct {
	logger *zap.Logger

	mu    sync.Mutex
	stats DeliveryStats
}

var _ repositories.DeliveryObserver = (*DeliveryLogger)(nil)

func NewDeliveryLogger(logger *zap.Logger) *DeliveryLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeliveryLogger{
		logger: logger.Named("delivery"),
		stats:  DeliveryStats{ByModel: make(map[string]int)},
	}
}

// ObserveDelivery implements DeliveryObserver
func (d *DeliveryLogger) ObserveDelivery(conversationID string, metadata entities.DeliveryMetadata) {
	fields := []zap.Field{
		zap.String("conversation_id", conversationID),
		zap.String("model", metadata.Model),
		zap.Int64("processing_ms", metadata.ProcessingTimeMs),
	}
	if metadata.CacheHit != nil {
		fields = append(fields, zap.Bool("cache_hit", *metadata.CacheHit))
	}
	if metadata.ContextIntegrationScore != nil {
		fields = append(fields, zap.Float64("context_score", *metadata.ContextIntegrationScore))
	}
	d.logger.Info("Assistant response delivered", fields...)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Responses++
	if metadata.CacheHit != nil && *metadata.CacheHit {
		d.stats.CacheHits++
	}
	d.stats.TotalProcessed += time.Duration(metadata.ProcessingTimeMs) * time.Millisecond
	if metadata.Model != "" {
		d.stats.ByModel[metadata.Model]++
	}
}

// Stats returns a copy of the totals
func (d *DeliveryLogger) Stats() DeliveryStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.stats
	out.ByModel = make(map[string]int, len(d.stats.ByModel))
	for k, v := range d.stats.ByModel {
		out.ByModel[k] = v
	}
	return out
}
