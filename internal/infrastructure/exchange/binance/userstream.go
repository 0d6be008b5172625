package binance

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"udsmux/internal/application/port"
)

// UserStreamDialer 用户数据流拨号器
// 一次 Dial 返回一条逻辑连接，URL 内嵌全部成员 listen key（combined stream）；
// 底层断线在连接自己的 run 循环里带退避重连，上层只看到事件通道
type UserStreamDialer struct {
	wsURL string // e.g. wss://stream.binance.com:9443
}

func NewUserStreamDialer(wsURL string) *UserStreamDialer {
	return &UserStreamDialer{wsURL: strings.TrimSpace(wsURL)}
}

func (d *UserStreamDialer) BaseURL() string { return d.wsURL }

func (d *UserStreamDialer) Dial(ctx context.Context, tokens []string) (port.StreamConn, error) {
	wsURL, err := buildStreamURL(d.wsURL, tokens)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &userStreamConn{
		out:    make(chan port.StreamEvent, 1024),
		cancel: cancel,
	}
	go c.run(cctx, wsURL)
	return c, nil
}

// buildStreamURL 按成员 listen key 列表构造 combined stream URL
func buildStreamURL(base string, tokens []string) (string, error) {
	if base == "" {
		return "", errors.New("binance ws_url empty")
	}

	streams := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		streams = append(streams, t)
	}
	if len(streams) == 0 {
		return "", errors.New("no member tokens")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = "/stream"
	u.RawQuery = "streams=" + strings.Join(streams, "/")
	return u.String(), nil
}

type userStreamConn struct {
	out    chan port.StreamEvent
	cancel context.CancelFunc
}

func (c *userStreamConn) Events() <-chan port.StreamEvent { return c.out }

func (c *userStreamConn) Close() error {
	c.cancel()
	return nil
}

func (c *userStreamConn) run(ctx context.Context, wsURL string) {
	defer close(c.out)

	backoff := 500 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dctx, dcancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := websocket.DefaultDialer.DialContext(dctx, wsURL, nil)
		dcancel()
		if err != nil {
			log.Error().Err(err).Msg("user stream dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = minDur(backoff*2, maxBackoff)
			continue
		}

		backoff = 500 * time.Millisecond
		log.Info().Msg("user stream connected")

		err = readLoop(ctx, conn, func(b []byte) {
			ev, e := decodeUserStream(b)
			if e != nil {
				log.Error().Err(e).Msg("user stream decode failed")
				return
			}
			if ev == nil {
				return
			}
			select {
			case c.out <- *ev:
			case <-ctx.Done():
			}
		})

		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}

		log.Warn().Err(err).Msg("user stream disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = minDur(backoff*2, maxBackoff)
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, onMsg func([]byte)) error {
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err == nil {
				_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			}
			if err != nil {
				errCh <- err
				return
			}
			onMsg(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			// 先关连接让 ReadMessage 出错返回，再等读协程退出；
			// 否则它可能还在向即将关闭的事件通道投递
			_ = conn.Close()
			<-errCh
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		}
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
