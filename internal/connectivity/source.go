// Package connectivity implements the Connectivity Supervisor of spec.md
// §4.9: it consumes a lazy bool stream (online/offline) from a Source, an
// optional synchronous checker for when the stream hasn't emitted yet, and
// pauses/resumes the Queue Manager and Retry Executor on every transition.
package connectivity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"

	"github.com/andreystavitsky/synquill-go/internal/obsv"
)

// Source is a lazy sequence of connectivity observations. The returned
// channel is closed when ctx is cancelled.
type Source interface {
	Watch(ctx context.Context) (<-chan bool, error)
}

// reconnect backoff parameters, identical in shape to the teacher's
// coop.Watcher.Watch (1s initial, doubling, capped at 30s).
const (
	wsBackoffInitial = time.Second
	wsBackoffMax     = 30 * time.Second
)

// WebSocketSource is the default connectivity source: a long-lived
// WebSocket connection to a server-side liveness endpoint. Losing the
// connection is itself an offline signal; reconnecting (with the same
// exponential-backoff reconnect loop as the teacher's
// internal/coop.Watcher.Watch/connect) is an online signal.
type WebSocketSource struct {
	wsURL string
	log   *slog.Logger
}

// NewWebSocketSource builds a WebSocketSource. baseURL may be http(s) or
// ws(s); http(s) is rewritten to ws(s) the same way coop.NewWatcher does.
func NewWebSocketSource(baseURL string) *WebSocketSource {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return &WebSocketSource{wsURL: u, log: obsv.NewLogger("connectivity.ws")}
}

// Watch connects and reconnects until ctx is cancelled, emitting false
// immediately on dial failure or read error and true on successful
// (re)connect.
func (s *WebSocketSource) Watch(ctx context.Context) (<-chan bool, error) {
	ch := make(chan bool, 8)

	go func() {
		defer close(ch)
		backoff := wsBackoffInitial

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			err := s.connect(ctx, ch)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.log.Warn("connectivity websocket error, reconnecting", "error", err, "backoff", backoff)
				select {
				case ch <- false:
				default:
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff *= 2
				if backoff > wsBackoffMax {
					backoff = wsBackoffMax
				}
			}
		}
	}()

	return ch, nil
}

func (s *WebSocketSource) connect(ctx context.Context, ch chan<- bool) error {
	u, err := url.Parse(s.wsURL)
	if err != nil {
		return fmt.Errorf("connectivity: parse ws url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connectivity: ws dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	select {
	case ch <- true:
	case <-ctx.Done():
		return nil
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connectivity: ws read: %w", err)
		}

		var msg struct {
			Online *bool `json:"online"`
		}
		if json.Unmarshal(data, &msg) != nil || msg.Online == nil {
			continue
		}
		select {
		case ch <- *msg.Online:
		case <-ctx.Done():
			return nil
		}
	}
}

// FileSentinelSource reports connectivity via the existence of a sentinel
// file, for environments without a WebSocket liveness signal. Grounded on
// the teacher's fsnotify usage in cmd/bd (watching its data directory for
// external changes): here the watched directory is the sentinel file's
// parent, and Create/Remove events on that one path drive the bool stream.
type FileSentinelSource struct {
	path string
	log  *slog.Logger
}

// NewFileSentinelSource builds a FileSentinelSource watching path's
// existence: present means online, absent means offline.
func NewFileSentinelSource(path string) *FileSentinelSource {
	return &FileSentinelSource{path: path, log: obsv.NewLogger("connectivity.file")}
}

func (s *FileSentinelSource) Watch(ctx context.Context) (<-chan bool, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("connectivity: new fsnotify watcher: %w", err)
	}

	dir := dirOf(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("connectivity: watch %s: %w", dir, err)
	}

	ch := make(chan bool, 8)
	go func() {
		defer close(ch)
		defer func() { _ = watcher.Close() }()

		select {
		case ch <- fileExists(s.path):
		case <-ctx.Done():
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != s.path {
					continue
				}
				var online bool
				switch {
				case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
					online = true
				case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
					online = false
				default:
					continue
				}
				select {
				case ch <- online:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("fsnotify error watching sentinel", "error", err)
			}
		}
	}()

	return ch, nil
}
