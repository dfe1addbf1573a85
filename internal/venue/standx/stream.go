package standx

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"

	"github.com/bitwii/standx-maker-hedger/internal/model"
)

const _defaultStreamURL = "wss://perps.standx.com/ws-stream/v1"

// Stream delivers order updates over the authenticated websocket. The auth
// and subscribe frames ride in the start sidecar so they replay on every
// reconnect.
type Stream struct {
	wss *ws.WebSocket

	ready    atomic.Bool
	lastSeen atomic.Int64
}

func NewStream(ctx context.Context, streamURL string) *Stream {
	if streamURL == "" {
		streamURL = _defaultStreamURL
	}
	return &Stream{wss: ws.New(ctx, streamURL)}
}

type streamCommand struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type streamEnvelope struct {
	Type string      `json:"type"`
	Data orderRecord `json:"data"`
}

// Start connects, authenticates with the session token and subscribes to
// order updates. The gateway sends no dedicated auth ack; the first frame
// of any type confirms the session.
func (s *Stream) Start(ctx context.Context, token string) error {
	if err := s.wss.Start(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, client *ws.WebSocket) error {
			auth := streamCommand{
				Method: "auth",
				Params: map[string]string{"token": token},
			}
			if err := client.WriteJSON(auth); err != nil {
				return errors.Wrap(err, "write auth payload")
			}

			subscribe := streamCommand{
				Method: "subscribe",
				Params: []string{"order"},
			}
			if err := client.WriteJSON(subscribe); err != nil {
				return errors.Wrap(err, "write subscribe payload")
			}

			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			if _, ok := ws.ReadMessage[streamEnvelope](m); !ok {
				return false, nil
			}
			s.markAlive()
			return true, nil
		},
	}); err != nil {
		return errors.Wrap(err, "start order stream")
	}

	s.ready.Store(true)
	return nil
}

// ObserveOrders decodes order frames and hands canonical events to the
// handler until the context or process shuts down.
func (s *Stream) ObserveOrders(ctx context.Context, handler func(model.OrderEvent)) (unsubscribe func()) {
	ch, cancel := s.wss.Subscribe()

	go func() {
		defer cancel()
		defer s.ready.Store(false)
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}

				s.markAlive()

				resp, ok := ws.ReadMessage[streamEnvelope](m)
				if !ok || resp.Type != "order" {
					continue
				}

				event, err := resp.Data.canonical()
				if err != nil {
					logs.Errorf("standx: drop undecodable order frame: %+v", err)
					continue
				}
				handler(event)
			}
		}
	}()

	return cancel
}

// Ready reports whether the stream is connected and has seen traffic
// within the given window. A zero window only checks the connected flag.
func (s *Stream) Ready(window time.Duration) bool {
	if !s.ready.Load() {
		return false
	}
	if window <= 0 {
		return true
	}
	last := s.lastSeen.Load()
	return last > 0 && time.Since(time.Unix(0, last)) <= window
}

func (s *Stream) Len() int {
	return s.wss.Len()
}

func (s *Stream) Close() {
	s.ready.Store(false)
	s.wss.Close()
}

func (s *Stream) markAlive() {
	s.lastSeen.Store(time.Now().UnixNano())
}
