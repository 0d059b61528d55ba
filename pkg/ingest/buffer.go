/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ingest buffers incoming audit records in front of the live store.
// Writes are batched and asynchronous so audit ingress never blocks on the
// database; a full buffer drops the record and counts the loss instead of
// applying backpressure.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/jordigilh/audittrail/pkg/archival"
	"github.com/jordigilh/audittrail/pkg/audit"
)

// ErrBufferFull reports a dropped record. The caller keeps operating.
var ErrBufferFull = fmt.Errorf("ingest: buffer full, record dropped")

// ErrClosed rejects writes after Close.
var ErrClosed = fmt.Errorf("ingest: buffer closed")

// MetricsRecorder receives buffer instrumentation. pkg/metrics implements
// it.
type MetricsRecorder interface {
	SetIngestBufferDepth(depth float64)
	AddIngestWritten(n float64)
	AddIngestDropped(n float64)
	ObserveIngestFlush(seconds float64)
}

type noopRecorder struct{}

func (noopRecorder) SetIngestBufferDepth(float64) {}
func (noopRecorder) AddIngestWritten(float64)     {}
func (noopRecorder) AddIngestDropped(float64)     {}
func (noopRecorder) ObserveIngestFlush(float64)   {}

// Config tunes the buffer.
type Config struct {
	// BufferSize is the channel capacity. Records past it are dropped.
	BufferSize int
	// BatchSize is the maximum records per write.
	BatchSize int
	// FlushInterval bounds how long a partial batch waits.
	FlushInterval time.Duration
	// MaxWriteRetries bounds retry attempts per batch.
	MaxWriteRetries int
	// RetryBaseDelay scales the attempt-squared backoff.
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:      10000,
		BatchSize:       100,
		FlushInterval:   5 * time.Second,
		MaxWriteRetries: 3,
		RetryBaseDelay:  100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.MaxWriteRetries <= 0 {
		c.MaxWriteRetries = def.MaxWriteRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	return c
}

// Buffer is the asynchronous batched writer.
type Buffer struct {
	store    archival.AuditLogStore
	cfg      Config
	clock    clock.WithTicker
	log      logr.Logger
	recorder MetricsRecorder

	ch      pipe
	flushCh chan chan error
	stopCh  chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup

	written atomic.Int64
	dropped atomic.Int64
}

type pipe chan *audit.Record

// NewBuffer starts the background writer. Call Close during shutdown to
// drain remaining records.
func NewBuffer(store archival.AuditLogStore, cfg Config, recorder MetricsRecorder, clk clock.WithTicker, logger logr.Logger) *Buffer {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	b := &Buffer{
		store:    store,
		cfg:      cfg.withDefaults(),
		clock:    clk,
		log:      logger.WithName("ingest"),
		recorder: recorder,
		flushCh:  make(chan chan error, 1),
		stopCh:   make(chan struct{}),
	}
	b.ch = make(pipe, b.cfg.BufferSize)
	b.wg.Add(1)
	go b.run()
	return b
}

// Add validates and buffers one record without blocking. A full buffer
// drops the record and returns ErrBufferFull.
func (b *Buffer) Add(record *audit.Record) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("reject audit record: %w", err)
	}

	select {
	case b.ch <- record:
		b.recorder.SetIngestBufferDepth(float64(len(b.ch)))
		return nil
	default:
		b.dropped.Add(1)
		b.recorder.AddIngestDropped(1)
		b.log.Info("ingest buffer full, dropping audit record", "record_id", record.ID)
		return ErrBufferFull
	}
}

// Flush blocks until every currently buffered record is written or the
// context is cancelled.
func (b *Buffer) Flush(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	reply := make(chan error, 1)
	select {
	case b.flushCh <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the buffer and stops the writer. Idempotent. The record
// channel is never closed, so an Add racing Close cannot panic; its record
// is either drained here or rejected.
func (b *Buffer) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.stopCh)
	b.wg.Wait()

	// Records from an Add that slipped in between the writer's final drain
	// and its exit land here.
	var stragglers []*audit.Record
	for drained := false; !drained; {
		select {
		case record := <-b.ch:
			stragglers = append(stragglers, record)
		default:
			drained = true
		}
	}
	err := b.writeBatch(stragglers)

	b.log.Info("ingest buffer closed",
		"written", b.written.Load(),
		"dropped", b.dropped.Load())
	return err
}

// Written reports records persisted so far.
func (b *Buffer) Written() int64 { return b.written.Load() }

// Dropped reports records dropped on overflow so far.
func (b *Buffer) Dropped() int64 { return b.dropped.Load() }

func (b *Buffer) run() {
	defer b.wg.Done()
	ticker := b.clock.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*audit.Record, 0, b.cfg.BatchSize)
	for {
		select {
		case record := <-b.ch:
			batch = append(batch, record)
			if len(batch) >= b.cfg.BatchSize {
				b.writeBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C():
			b.writeBatch(batch)
			batch = batch[:0]

		case reply := <-b.flushCh:
			// Pull everything currently buffered into the batch first.
			for drained := false; !drained; {
				select {
				case record := <-b.ch:
					batch = append(batch, record)
				default:
					drained = true
				}
			}
			err := b.writeBatch(batch)
			batch = batch[:0]
			reply <- err

		case <-b.stopCh:
			// Closing: drain whatever is left and exit.
			for drained := false; !drained; {
				select {
				case record := <-b.ch:
					batch = append(batch, record)
				default:
					drained = true
				}
			}
			b.writeBatch(batch)
			return
		}
	}
}

// writeBatch persists one batch with attempt-squared backoff. A batch that
// exhausts retries is dropped; the live store's own DLQ path has already
// recorded the event loss risk.
func (b *Buffer) writeBatch(batch []*audit.Record) error {
	if len(batch) == 0 {
		return nil
	}
	started := b.clock.Now()

	var err error
	for attempt := 1; attempt <= b.cfg.MaxWriteRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushInterval)
		err = b.store.Insert(ctx, batch)
		cancel()
		if err == nil {
			b.written.Add(int64(len(batch)))
			b.recorder.AddIngestWritten(float64(len(batch)))
			b.recorder.ObserveIngestFlush(b.clock.Since(started).Seconds())
			b.recorder.SetIngestBufferDepth(float64(len(b.ch)))
			return nil
		}
		if attempt < b.cfg.MaxWriteRetries {
			b.clock.Sleep(time.Duration(attempt*attempt) * b.cfg.RetryBaseDelay)
		}
	}

	b.dropped.Add(int64(len(batch)))
	b.recorder.AddIngestDropped(float64(len(batch)))
	b.log.Error(err, "dropping batch after exhausting write retries",
		"records", len(batch),
		"retries", b.cfg.MaxWriteRetries)
	return fmt.Errorf("write batch of %d records: %w", len(batch), err)
}
