package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	appconfig "tickflow/config"
	"tickflow/bus"
	"tickflow/logger"
	"tickflow/models"
)

// TradeWriter drains the durable queue into the store. A message is
// acknowledged only after its row is written; failures park the payload on
// the dead-letter list instead of discarding it.
type TradeWriter struct {
	config  *appconfig.Config
	queue   bus.Queue
	store   Store
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	stats writerStats
}

type writerStats struct {
	inserted      int64
	parseFailures int64
	insertErrors  int64
}

// NewTradeWriter creates the sink worker.
func NewTradeWriter(cfg *appconfig.Config, queue bus.Queue, store Store) *TradeWriter {
	return &TradeWriter{
		config: cfg,
		queue:  queue,
		store:  store,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

// Start launches the consume loop.
func (w *TradeWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("trade writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	log := w.log.WithComponent("writer").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"topic":       w.config.Sink.QueueTopic,
		"pop_timeout": w.config.Sink.PopTimeout,
	}).Info("starting trade writer")

	w.wg.Add(1)
	go w.run()

	log.Info("trade writer started successfully")
	return nil
}

// Stop waits for the consume loop to finish. Callers cancel the context
// passed to Start first.
func (w *TradeWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.log.WithComponent("writer").Info("stopping trade writer")
	w.wg.Wait()

	w.log.LogMetric("writer", "rows_inserted", w.stats.inserted, "counter", logger.Fields{})
	w.log.LogMetric("writer", "insert_errors", w.stats.insertErrors, "counter", logger.Fields{})
	w.log.WithComponent("writer").WithFields(logger.Fields{
		"inserted":       w.stats.inserted,
		"parse_failures": w.stats.parseFailures,
		"insert_errors":  w.stats.insertErrors,
	}).Info("trade writer stopped")
}

func (w *TradeWriter) run() {
	defer w.wg.Done()
	cfg := w.config.Sink
	log := w.log.WithComponent("writer")

	for {
		if w.ctx.Err() != nil {
			return
		}

		payload, err := w.queue.PopMove(w.ctx, cfg.QueueTopic, cfg.PopTimeout)
		if err != nil {
			if errors.Is(err, bus.ErrEmpty) {
				continue
			}
			if w.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("queue pop failed")
			continue
		}

		w.process(payload)
	}
}

// process writes one queued payload. Unparseable payloads and insert
// failures both go to the dead-letter list; only a committed row is acked.
func (w *TradeWriter) process(payload []byte) {
	cfg := w.config.Sink
	log := w.log.WithComponent("writer")

	var tick models.TradeTick
	if err := json.Unmarshal(payload, &tick); err != nil {
		w.stats.parseFailures++
		log.WithError(err).Warn("unparseable queue payload, dead-lettering")
		w.deadLetter(payload)
		return
	}

	start := time.Now()
	if err := w.store.InsertTrade(w.ctx, tick); err != nil {
		w.stats.insertErrors++
		log.WithError(err).WithFields(logger.Fields{
			"symbol":   tick.Symbol,
			"trade_id": tick.TradeID,
		}).Warn("insert failed, dead-lettering")
		w.deadLetter(payload)
		return
	}

	w.stats.inserted++
	logger.IncrementRowInserted()
	logger.LogPerformanceEntry(log, "writer", "insert_trade", time.Since(start), logger.Fields{
		"symbol": tick.Symbol,
	})

	if err := w.queue.Ack(w.ctx, cfg.QueueTopic, payload); err != nil {
		log.WithError(err).Warn("failed to ack queue payload")
	}
}

func (w *TradeWriter) deadLetter(payload []byte) {
	if err := w.queue.Dead(w.ctx, w.config.Sink.QueueTopic, payload); err != nil {
		w.log.WithComponent("writer").WithError(err).Error("failed to dead-letter payload")
	}
}
