// Package cloud forwards peer-acknowledged outbox rows to the central
// ingest service. Cloud sync is strictly downstream of peer sync: a row
// still pending at its peers never leaves the store LAN.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lanesync/lanesync/internal/metrics"
	"github.com/lanesync/lanesync/internal/outbox"
	"github.com/lanesync/lanesync/internal/store"
)

const (
	// batchSize bounds rows fetched per tick.
	batchSize = 100

	// maxInFlight bounds concurrent POSTs. Rows are self-contained and
	// idempotent at the cloud, so cross-row order does not matter.
	maxInFlight = 5

	// retention for fully-acked rows
	cloudAckRetention = 7 * 24 * time.Hour
)

// Options configure the uplink.
type Options struct {
	BaseURL     string
	ServiceKey  string
	TerminalID  string
	Interval    time.Duration
	BackoffBase time.Duration
	MaxRetries  int
}

// ingestBody is the cloud wire body. Type repeats the topic so the cloud
// can dispatch without parsing the URL.
type ingestBody struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Uplink drains peer_ack rows to the per-topic ingest endpoints.
type Uplink struct {
	bus  *outbox.Bus
	opts Options
	http *http.Client

	mu          sync.Mutex
	nextAttempt map[string]time.Time

	ticking bool
}

// New builds an uplink. Call Enabled before Run to decide whether to start
// it at all; Run on a disabled uplink logs once and stays dormant.
func New(bus *outbox.Bus, opts Options) *Uplink {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	return &Uplink{
		bus:         bus,
		opts:        opts,
		http:        &http.Client{Timeout: 30 * time.Second},
		nextAttempt: make(map[string]time.Time),
	}
}

// Enabled reports whether the uplink has usable credentials.
func (u *Uplink) Enabled() bool {
	return u.opts.BaseURL != "" && u.opts.ServiceKey != ""
}

// Run ticks until ctx is cancelled. Missing credentials leave the uplink
// dormant without failing the process; the peer fabric runs regardless.
func (u *Uplink) Run(ctx context.Context) error {
	if !u.Enabled() {
		log.Info().Msg("cloud uplink dormant: credentials not configured")
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(u.opts.Interval)
	defer ticker.Stop()

	lastPrune := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			u.tick(ctx)
			if time.Since(lastPrune) > time.Hour {
				lastPrune = time.Now()
				if n, err := u.bus.PruneCloudAcked(ctx, time.Now().Add(-cloudAckRetention)); err == nil && n > 0 {
					log.Info().Int64("rows", n).Msg("pruned cloud-acked outbox rows")
				}
			}
		}
	}
}

// tick forwards due peer_ack rows with bounded parallelism. Overlapping
// ticks are skipped rather than queued.
func (u *Uplink) tick(ctx context.Context) {
	u.mu.Lock()
	if u.ticking {
		u.mu.Unlock()
		return
	}
	u.ticking = true
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.ticking = false
		u.mu.Unlock()
	}()

	rows, err := u.bus.GetPending(ctx, store.StatusPeerAck, batchSize)
	if err != nil {
		log.Error().Err(err).Msg("uplink: failed to read outbox")
		return
	}

	sem := make(chan struct{}, maxInFlight)
	var wg sync.WaitGroup
	now := time.Now()

	for i := range rows {
		row := rows[i]
		if !u.due(row.ID, now) {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			u.forward(ctx, row)
		}()
	}
	wg.Wait()
}

func (u *Uplink) due(id string, now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	t, ok := u.nextAttempt[id]
	return !ok || !now.Before(t)
}

func (u *Uplink) deferRow(id string, retries int) {
	delay := u.opts.BackoffBase
	if retries > 16 {
		retries = 16
	}
	delay *= time.Duration(1 << uint(retries))
	u.mu.Lock()
	u.nextAttempt[id] = time.Now().Add(delay)
	u.mu.Unlock()
}

func (u *Uplink) clearRow(id string) {
	u.mu.Lock()
	delete(u.nextAttempt, id)
	u.mu.Unlock()
}

// forward POSTs one row. 2xx advances it to cloud_ack; anything else,
// including 4xx, counts as a retry until the cap dead-letters the row.
func (u *Uplink) forward(ctx context.Context, row store.OutboxRow) {
	topic, err := outbox.ParseTopic(row.Topic)
	if err != nil {
		log.Error().Str("id", row.ID).Str("topic", row.Topic).Msg("uplink: unknown topic, dead-lettering")
		if err := u.bus.MarkError(ctx, row.ID); err == nil {
			metrics.DeadLettered.Inc()
		}
		u.clearRow(row.ID)
		return
	}

	err = u.post(ctx, topic, row)
	if err == nil {
		if err := u.bus.MarkSent(ctx, row.ID, store.StatusCloudAck); err != nil {
			log.Error().Err(err).Str("id", row.ID).Msg("uplink: failed to mark cloud_ack")
			return
		}
		metrics.CloudPosts.WithLabelValues("ok").Inc()
		u.clearRow(row.ID)
		return
	}

	if errors.Is(err, context.Canceled) {
		return
	}

	log.Warn().Err(err).Str("id", row.ID).Str("topic", row.Topic).Msg("uplink: post failed")
	retries, rerr := u.bus.IncrementRetries(ctx, row.ID)
	if rerr != nil {
		log.Error().Err(rerr).Str("id", row.ID).Msg("uplink: failed to count retry")
		return
	}
	if retries >= u.opts.MaxRetries {
		metrics.CloudPosts.WithLabelValues("dead_letter").Inc()
		if err := u.bus.MarkError(ctx, row.ID); err == nil {
			metrics.DeadLettered.Inc()
		}
		u.clearRow(row.ID)
		return
	}
	metrics.CloudPosts.WithLabelValues("retry").Inc()
	u.deferRow(row.ID, retries)
}

func (u *Uplink) post(ctx context.Context, topic outbox.Topic, row store.OutboxRow) error {
	body, err := json.Marshal(ingestBody{
		ID:        row.ID,
		Type:      row.Topic,
		Payload:   json.RawMessage(row.Payload),
		Timestamp: row.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal ingest body: %w", err)
	}

	url := u.opts.BaseURL + "/functions/v1/ingest/" + topic.Slug()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+u.opts.ServiceKey)
	req.Header.Set("x-terminal-id", u.opts.TerminalID)

	resp, err := u.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("cloud returned %d for %s", resp.StatusCode, row.ID)
	}
	return nil
}
