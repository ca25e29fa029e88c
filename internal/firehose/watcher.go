// Package firehose watches the Jetstream event stream for moderation
// records the signed-in account deletes from another client, so tracked
// entries stop lingering until the next full sync.
package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"ergoblock/internal/atproto"
	"ergoblock/internal/metrics"
	"ergoblock/internal/moderation"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// Config configures the Jetstream watcher.
type Config struct {
	// Endpoints are rotated through on connection failure.
	Endpoints []string

	// Compress requests zstd-compressed frames.
	Compress bool
}

// DefaultConfig returns the public Jetstream instances.
func DefaultConfig() Config {
	return Config{
		Endpoints: []string{
			"wss://jetstream1.us-east.bsky.network/subscribe",
			"wss://jetstream2.us-east.bsky.network/subscribe",
			"wss://jetstream1.us-west.bsky.network/subscribe",
			"wss://jetstream2.us-west.bsky.network/subscribe",
		},
		Compress: true,
	}
}

// jetstreamEvent is one frame from Jetstream.
type jetstreamEvent struct {
	DID    string `json:"did"`
	TimeUS int64  `json:"time_us"`
	Kind   string `json:"kind"` // "commit", "identity", "account"
	Commit *struct {
		Rev        string          `json:"rev"`
		Operation  string          `json:"operation"` // "create", "update", "delete"
		Collection string          `json:"collection"`
		RKey       string          `json:"rkey"`
		Record     json.RawMessage `json:"record,omitempty"`
		CID        string          `json:"cid"`
	} `json:"commit,omitempty"`
}

// Remover is the slice of the moderation service the watcher uses.
type Remover interface {
	MarkExternallyRemoved(ctx context.Context, action moderation.ActionType, did, handle string) error
}

// EntryLookup resolves a deleted record key back to the tracked entry it
// belongs to.
type EntryLookup interface {
	ListTemp(ctx context.Context, action moderation.ActionType) ([]moderation.TempEntry, error)
}

// Watcher subscribes to Jetstream filtered to the signed-in account's
// block collection and reconciles delete commits immediately.
type Watcher struct {
	config  Config
	userDID string
	entries EntryLookup
	service Remover

	conn               *websocket.Conn
	connMu             sync.Mutex
	currentEndpointIdx int

	zstdDecoder *zstd.Decoder

	cursor         atomic.Int64
	eventsReceived atomic.Int64

	connected atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewWatcher creates a watcher for the given account.
func NewWatcher(config Config, userDID string, entries EntryLookup, service Remover) *Watcher {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		log.Fatal().Err(err).Msg("firehose: failed to create zstd decoder")
	}

	return &Watcher{
		config:      config,
		userDID:     userDID,
		entries:     entries,
		service:     service,
		stopCh:      make(chan struct{}),
		zstdDecoder: decoder,
	}
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Stop gracefully stops the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.connMu.Lock()
	if w.conn != nil {
		w.conn.Close()
	}
	w.connMu.Unlock()
	w.wg.Wait()

	if w.zstdDecoder != nil {
		w.zstdDecoder.Close()
	}
}

// IsConnected reports whether the watcher currently holds a connection.
func (w *Watcher) IsConnected() bool {
	return w.connected.Load()
}

func (w *Watcher) run(ctx context.Context) {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("firehose: context cancelled, stopping watcher")
			return
		case <-w.stopCh:
			log.Info().Msg("firehose: stop requested, stopping watcher")
			return
		default:
		}

		endpoint := w.config.Endpoints[w.currentEndpointIdx]
		err := w.connectAndConsume(ctx, endpoint)

		if err != nil {
			w.connected.Store(false)
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("firehose: connection error")

			w.currentEndpointIdx = (w.currentEndpointIdx + 1) % len(w.config.Endpoints)

			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		} else {
			backoff = time.Second
		}
	}
}

func (w *Watcher) connectAndConsume(ctx context.Context, endpoint string) error {
	wsURL, err := w.buildWebSocketURL(endpoint)
	if err != nil {
		return fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	log.Info().Str("url", wsURL).Msg("firehose: connecting to Jetstream")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()

	w.connected.Store(true)
	metrics.FirehoseConnectionState.Set(1)
	log.Info().Str("endpoint", endpoint).Msg("firehose: connected to Jetstream")

	defer func() {
		w.connMu.Lock()
		if w.conn != nil {
			w.conn.Close()
			w.conn = nil
		}
		w.connMu.Unlock()
		w.connected.Store(false)
		metrics.FirehoseConnectionState.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		if err := w.processMessage(ctx, message); err != nil {
			metrics.FirehoseErrorsTotal.Inc()
			log.Warn().Err(err).Msg("firehose: failed to process message")
		}
	}
}

func (w *Watcher) buildWebSocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Add("wantedCollections", atproto.BlockCollection)
	q.Add("wantedDids", w.userDID)

	if w.config.Compress {
		q.Set("compress", "true")
	}

	// Rewind slightly on resume to cover any gap.
	cursor := w.cursor.Load()
	if cursor > 0 {
		cursor -= 5 * time.Second.Microseconds()
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (w *Watcher) processMessage(ctx context.Context, data []byte) error {
	// Zstd compressed data starts with magic number 0x28 0xB5 0x2F 0xFD.
	if w.config.Compress && len(data) >= 4 && data[0] == 0x28 && data[1] == 0xB5 && data[2] == 0x2F && data[3] == 0xFD {
		decompressed, err := w.zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("failed to decompress message: %w", err)
		}
		data = decompressed
	} else if w.config.Compress && len(data) > 0 && data[0] != '{' {
		// Try decompression anyway if it doesn't look like JSON.
		if decompressed, err := w.zstdDecoder.DecodeAll(data, nil); err == nil {
			data = decompressed
		}
	}

	var event jetstreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		preview := data
		if len(preview) > 50 {
			preview = preview[:50]
		}
		return fmt.Errorf("failed to unmarshal event (first bytes: %q): %w", preview, err)
	}

	w.eventsReceived.Add(1)
	if event.TimeUS > 0 {
		w.cursor.Store(event.TimeUS)
	}

	if event.Kind != "commit" || event.Commit == nil {
		return nil
	}
	commit := event.Commit

	if event.DID != w.userDID || commit.Collection != atproto.BlockCollection {
		return nil
	}

	metrics.FirehoseEventsTotal.WithLabelValues(commit.Collection, commit.Operation).Inc()

	// Only deletes matter here: a block deleted from another client must
	// release the local tracking entry. Creates are picked up by sync.
	if commit.Operation != "delete" {
		return nil
	}

	return w.handleBlockDeleted(ctx, commit.RKey)
}

// handleBlockDeleted matches a deleted record key against tracked
// temporary blocks. Deletions the daemon performed itself have already
// removed the entry, so the lookup comes up empty for those.
func (w *Watcher) handleBlockDeleted(ctx context.Context, rkey string) error {
	entries, err := w.entries.ListTemp(ctx, moderation.ActionBlock)
	if err != nil {
		return fmt.Errorf("failed to list tracked blocks: %w", err)
	}

	for _, entry := range entries {
		if entry.RKey == "" || entry.RKey != rkey {
			continue
		}

		log.Info().
			Str("did", entry.DID).
			Str("rkey", rkey).
			Msg("firehose: tracked block deleted externally")

		return w.service.MarkExternallyRemoved(ctx, moderation.ActionBlock, entry.DID, entry.Handle)
	}

	return nil
}
