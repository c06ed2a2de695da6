package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"ruabot/pkg/config"
)

// frameHandler consumes one decoded inbound frame.
type frameHandler func(ctx context.Context, raw map[string]any)

// clientTransport dials out to the chat network's WebSocket endpoint and
// keeps the connection alive, reconnecting after 5s on any failure.
type clientTransport struct {
	cfg    config.GatewayConfig
	handle frameHandler
	log    *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

func newClientTransport(cfg config.GatewayConfig, handle frameHandler, log *slog.Logger) *clientTransport {
	return &clientTransport{
		cfg:    cfg,
		handle: handle,
		log:    log.With("component", "gateway.ws"),
	}
}

func (t *clientTransport) start(ctx context.Context) error {
	if _, err := url.Parse(t.cfg.WSURL); err != nil {
		return fmt.Errorf("invalid websocket address %q: %w", t.cfg.WSURL, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.supervise(runCtx)
	return nil
}

// supervise owns the connect/read/reconnect cycle.
func (t *clientTransport) supervise(ctx context.Context) {
	defer close(t.done)

	for {
		if ctx.Err() != nil {
			return
		}

		t.log.Info("Connecting to chat network", "url", t.cfg.WSURL)
		conn, err := t.dial(ctx)
		if err != nil {
			t.logDialFailure(err)
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}

		t.setConn(conn)
		t.log.Info("Connected to chat network", "url", t.cfg.WSURL)

		err = t.readLoop(ctx, conn)
		t.setConn(nil)
		conn.Close(websocket.StatusNormalClosure, "")

		if ctx.Err() != nil {
			return
		}
		t.log.Warn("Connection lost, reconnecting in 5s", "error", err)
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

func (t *clientTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{}
	if t.cfg.AccessToken != "" {
		opts.HTTPHeader = http.Header{
			"Authorization": []string{"Bearer " + t.cfg.AccessToken},
		}
	}

	conn, _, err := websocket.Dial(dialCtx, t.cfg.WSURL, opts)
	return conn, err
}

// logDialFailure distinguishes an unusable address from an unreachable
// peer so the operator sees which side to fix.
func (t *clientTransport) logDialFailure(err error) {
	var urlErr *url.Error
	switch {
	case errors.As(err, &urlErr) && urlErr.Op == "parse":
		t.log.Error("Invalid websocket address", "url", t.cfg.WSURL, "error", err)
	case errors.Is(err, syscall.ECONNREFUSED):
		t.log.Error("Connection refused, is the chat network endpoint up?", "url", t.cfg.WSURL)
	default:
		t.log.Error("Connection failed", "url", t.cfg.WSURL, "error", err)
	}
	t.log.Info("Reconnecting in 5 seconds")
}

func (t *clientTransport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var raw map[string]any
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return err
		}
		t.handle(ctx, raw)
	}
}

func (t *clientTransport) stop() {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	conn := t.conn
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	if done != nil {
		<-done
	}
}

func (t *clientTransport) send(ctx context.Context, payload map[string]any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return errors.New("websocket not connected")
	}
	return wsjson.Write(ctx, conn, payload)
}

func (t *clientTransport) connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *clientTransport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

// serverTransport accepts reverse connections from the chat network.
// Action calls go to the first connected peer; events are read from all.
type serverTransport struct {
	cfg    config.GatewayConfig
	handle frameHandler
	log    *slog.Logger

	mu     sync.Mutex
	peers  []*websocket.Conn
	server *http.Server
	done   chan struct{}
}

func newServerTransport(cfg config.GatewayConfig, handle frameHandler, log *slog.Logger) *serverTransport {
	return &serverTransport{
		cfg:    cfg,
		handle: handle,
		log:    log.With("component", "gateway.ws_reverse"),
	}
}

func (t *serverTransport) start(ctx context.Context) error {
	addr := net.JoinHostPort(t.cfg.WSReverseHost, strconv.Itoa(t.cfg.WSReversePort))

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		t.handlePeer(ctx, w, r)
	})

	t.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	t.done = make(chan struct{})

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	go func() {
		defer close(t.done)
		if err := t.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("Reverse websocket server failed", "error", err)
		}
	}()

	t.log.Info("Reverse websocket server started", "address", addr, "path", t.cfg.WSReversePath)
	return nil
}

func (t *serverTransport) handlePeer(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	expected := strings.TrimRight(t.cfg.WSReversePath, "/")
	actual := strings.TrimRight(r.URL.Path, "/")
	if actual != expected {
		t.log.Warn("Rejected connection on wrong path", "path", r.URL.Path, "expected", t.cfg.WSReversePath)
		http.NotFound(w, r)
		return
	}

	if t.cfg.AccessToken != "" {
		if r.Header.Get("Authorization") != "Bearer "+t.cfg.AccessToken {
			t.log.Warn("Rejected connection with invalid access token", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		t.log.Error("Websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	t.addPeer(conn)
	t.log.Info("Chat network peer connected", "remote", r.RemoteAddr)
	defer func() {
		t.removePeer(conn)
		t.log.Info("Chat network peer disconnected", "remote", r.RemoteAddr)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var raw map[string]any
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return
		}
		t.handle(ctx, raw)
	}
}

func (t *serverTransport) stop() {
	t.mu.Lock()
	peers := make([]*websocket.Conn, len(t.peers))
	copy(peers, t.peers)
	t.mu.Unlock()

	for _, peer := range peers {
		peer.Close(websocket.StatusNormalClosure, "shutting down")
	}

	if t.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.server.Shutdown(shutdownCtx)
	}
	if t.done != nil {
		<-t.done
	}
}

// send delivers to the first connected peer only, so one action call gets
// one response.
func (t *serverTransport) send(ctx context.Context, payload map[string]any) error {
	t.mu.Lock()
	var peer *websocket.Conn
	if len(t.peers) > 0 {
		peer = t.peers[0]
	}
	t.mu.Unlock()

	if peer == nil {
		return errors.New("no chat network peer connected")
	}
	return wsjson.Write(ctx, peer, payload)
}

func (t *serverTransport) connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers) > 0
}

func (t *serverTransport) addPeer(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = append(t.peers, conn)
}

func (t *serverTransport) removePeer(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, peer := range t.peers {
		if peer == conn {
			t.peers = append(t.peers[:i], t.peers[i+1:]...)
			return
		}
	}
}

// sleepCtx waits for d unless ctx ends first; reports whether the full
// wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
