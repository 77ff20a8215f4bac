package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/burakkaraceylan/vessel/internal/bus"
)

// ErrNotImplemented marks host calls whose return path is not wired yet.
var ErrNotImplemented = errors.New("not implemented")

// guestWSCapacity bounds a guest's outbound frames per connection;
// websocket_send on a congested link back-pressures the guest.
const guestWSCapacity = 32

// CommandRouter routes a guest's call through the bus. *bus.Manager
// satisfies it.
type CommandRouter interface {
	Route(ctx context.Context, target, action string, params []byte) error
}

// wsInbound is a text frame delivered from a guest-owned WebSocket
// connection into the runtime's dispatch loop.
type wsInbound struct {
	Handle uint32
	Text   string
}

// hostState is the per-guest record behind the host interface. Except for
// the timer and WS inboxes (fed by background goroutines), it is only
// touched from the guest's single dispatch goroutine, so no locking.
type hostState struct {
	id        string
	validator *Validator
	events    *bus.Publisher
	router    CommandRouter
	config    map[string]string
	storage   string
	logger    *slog.Logger

	// bgCtx bounds every background task (timers, WS readers); cancelled
	// on teardown.
	bgCtx    context.Context
	bgCancel context.CancelFunc

	timerCh chan uint32
	wsCh    chan wsInbound

	subscriptions []glob.Glob
	timers        map[uint32]context.CancelFunc
	wsConns       map[uint32]*wsConn
	nextHandle    uint32

	httpClient *http.Client
}

func newHostState(parent context.Context, id string, v *Validator, events *bus.Publisher, router CommandRouter, config map[string]string, storageDir string) (*hostState, error) {
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}
	bgCtx, bgCancel := context.WithCancel(parent)
	return &hostState{
		id:         id,
		validator:  v,
		events:     events,
		router:     router,
		config:     config,
		storage:    storageDir,
		logger:     slog.Default().With("module", id),
		bgCtx:      bgCtx,
		bgCancel:   bgCancel,
		timerCh:    make(chan uint32, 32),
		wsCh:       make(chan wsInbound, 32),
		timers:     make(map[uint32]context.CancelFunc),
		wsConns:    make(map[uint32]*wsConn),
		nextHandle: 1,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// close tears the guest's resources down: outstanding timer tasks are
// aborted and WS connections closed.
func (s *hostState) close() {
	s.bgCancel()
	for handle, conn := range s.wsConns {
		conn.close()
		delete(s.wsConns, handle)
	}
}

// newHandle returns the next per-guest handle; monotonic from 1, never
// reused within a run.
func (s *hostState) newHandle() uint32 {
	h := s.nextHandle
	s.nextHandle++
	return h
}

// matches reports whether an event fingerprint matches any compiled
// subscription. Cheap: no serialization happens before this test.
func (s *hostState) matches(fingerprint string) bool {
	for _, g := range s.subscriptions {
		if g.Match(fingerprint) {
			return true
		}
	}
	return false
}

// instantiateHostModule links the vessel:host import surface against the
// runtime.
func instantiateHostModule(ctx context.Context, r wazero.Runtime, s *hostState) error {
	b := r.NewHostModuleBuilder(hostModuleName)
	b.NewFunctionBuilder().WithFunc(s.hostSubscribe).Export("subscribe")
	b.NewFunctionBuilder().WithFunc(s.hostEmit).Export("emit")
	b.NewFunctionBuilder().WithFunc(s.hostCall).Export("call")
	b.NewFunctionBuilder().WithFunc(s.hostHTTPRequest).Export("send_http_request")
	b.NewFunctionBuilder().WithFunc(s.hostWSConnect).Export("websocket_connect")
	b.NewFunctionBuilder().WithFunc(s.hostWSSend).Export("websocket_send")
	b.NewFunctionBuilder().WithFunc(s.hostWSClose).Export("websocket_close")
	b.NewFunctionBuilder().WithFunc(s.hostSetTimeout).Export("set_timeout")
	b.NewFunctionBuilder().WithFunc(s.hostSetInterval).Export("set_interval")
	b.NewFunctionBuilder().WithFunc(s.hostClearTimer).Export("clear_timer")
	b.NewFunctionBuilder().WithFunc(s.hostConfigGet).Export("config_get")
	b.NewFunctionBuilder().WithFunc(s.hostStorageGet).Export("storage_get")
	b.NewFunctionBuilder().WithFunc(s.hostStorageSet).Export("storage_set")
	b.NewFunctionBuilder().WithFunc(s.hostStorageDelete).Export("storage_delete")
	b.NewFunctionBuilder().WithFunc(s.hostLog).Export("log")
	if _, err := b.Instantiate(ctx); err != nil {
		return fmt.Errorf("instantiating %s: %w", hostModuleName, err)
	}
	return nil
}

func (s *hostState) hostSubscribe(ctx context.Context, mod api.Module, ptr, size uint32) uint64 {
	pattern, err := readGuestString(mod, ptr, size)
	if err != nil {
		return packStatus(ctx, mod, err)
	}
	if err := s.validator.CheckSubscribe(pattern); err != nil {
		s.logger.Warn("subscribe denied", "pattern", pattern)
		return packStatus(ctx, mod, err)
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return packStatus(ctx, mod, fmt.Errorf("invalid pattern %q: %w", pattern, err))
	}
	s.subscriptions = append(s.subscriptions, g)
	return 0
}

func (s *hostState) hostEmit(ctx context.Context, mod api.Module, namePtr, nameLen, dataPtr, dataLen uint32) uint64 {
	name, err := readGuestString(mod, namePtr, nameLen)
	if err != nil {
		return packStatus(ctx, mod, err)
	}
	data, err := readGuestString(mod, dataPtr, dataLen)
	if err != nil {
		return packStatus(ctx, mod, err)
	}
	raw := json.RawMessage(data)
	if !json.Valid(raw) {
		raw = json.RawMessage("null")
	}
	s.events.Publish(bus.Transient(s.id, name, raw))
	return 0
}

func (s *hostState) hostCall(ctx context.Context, mod api.Module, modPtr, modLen, namePtr, nameLen, version, paramsPtr, paramsLen uint32) uint64 {
	target, err := readGuestString(mod, modPtr, modLen)
	if err != nil {
		return errEnvelope(ctx, mod, err)
	}
	name, err := readGuestString(mod, namePtr, nameLen)
	if err != nil {
		return errEnvelope(ctx, mod, err)
	}
	params, err := readGuestString(mod, paramsPtr, paramsLen)
	if err != nil {
		return errEnvelope(ctx, mod, err)
	}
	if err := s.validator.CheckCall(target, name, version); err != nil {
		s.logger.Warn("call denied", "target", target, "action", name, "version", version)
		return errEnvelope(ctx, mod, err)
	}
	if err := s.router.Route(ctx, target, name, []byte(params)); err != nil {
		return errEnvelope(ctx, mod, err)
	}
	// Routed fire-and-forget; the response path is future work.
	return errEnvelope(ctx, mod, ErrNotImplemented)
}

// httpRequest and httpResponse are the guest-facing HTTP types.
type httpRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type httpResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

func (s *hostState) hostHTTPRequest(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) uint64 {
	if err := s.validator.CheckNetworkHTTP(); err != nil {
		s.logger.Warn("http request denied")
		return errEnvelope(ctx, mod, err)
	}
	raw, err := readGuestString(mod, reqPtr, reqLen)
	if err != nil {
		return errEnvelope(ctx, mod, err)
	}
	var req httpRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return errEnvelope(ctx, mod, fmt.Errorf("invalid request: %w", err))
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader([]byte(req.Body)))
	if err != nil {
		return errEnvelope(ctx, mod, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return errEnvelope(ctx, mod, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errEnvelope(ctx, mod, err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return okEnvelope(ctx, mod, httpResponse{Status: resp.StatusCode, Headers: headers, Body: string(body)})
}

func (s *hostState) hostWSConnect(ctx context.Context, mod api.Module, urlPtr, urlLen uint32) uint64 {
	if err := s.validator.CheckNetworkWebSocket(); err != nil {
		s.logger.Warn("websocket connect denied")
		return errEnvelope(ctx, mod, err)
	}
	url, err := readGuestString(mod, urlPtr, urlLen)
	if err != nil {
		return errEnvelope(ctx, mod, err)
	}

	handle := s.newHandle()
	conn, err := dialGuestWS(ctx, s.bgCtx, url, handle, s.wsCh, s.logger)
	if err != nil {
		return errEnvelope(ctx, mod, err)
	}
	s.wsConns[handle] = conn
	return okEnvelope(ctx, mod, handle)
}

func (s *hostState) hostWSSend(ctx context.Context, mod api.Module, handle, msgPtr, msgLen uint32) uint64 {
	msg, err := readGuestString(mod, msgPtr, msgLen)
	if err != nil {
		return packStatus(ctx, mod, err)
	}
	conn, ok := s.wsConns[handle]
	if !ok {
		return packStatus(ctx, mod, fmt.Errorf("unknown websocket handle %d", handle))
	}
	// Blocks while the outbound queue is full: congestion back-pressures
	// the guest.
	select {
	case conn.outbound <- msg:
		return 0
	case <-conn.done():
		return packStatus(ctx, mod, fmt.Errorf("websocket handle %d closed", handle))
	case <-ctx.Done():
		return packStatus(ctx, mod, ctx.Err())
	}
}

func (s *hostState) hostWSClose(ctx context.Context, mod api.Module, handle uint32) uint64 {
	conn, ok := s.wsConns[handle]
	if !ok {
		return 0
	}
	delete(s.wsConns, handle)
	conn.close()
	return 0
}

func (s *hostState) hostSetTimeout(ctx context.Context, mod api.Module, ms uint64) uint32 {
	return s.startTimer(ms, false)
}

func (s *hostState) hostSetInterval(ctx context.Context, mod api.Module, ms uint64) uint32 {
	return s.startTimer(ms, true)
}

func (s *hostState) startTimer(ms uint64, repeat bool) uint32 {
	if err := s.validator.CheckTimers(); err != nil {
		s.logger.Warn("timer denied")
		return 0
	}
	if ms == 0 {
		ms = 1
	}
	handle := s.newHandle()
	tctx, cancel := context.WithCancel(s.bgCtx)
	s.timers[handle] = cancel

	d := time.Duration(ms) * time.Millisecond
	go func() {
		defer cancel()
		if !repeat {
			select {
			case <-tctx.Done():
				return
			case <-time.After(d):
			}
			s.postTimer(tctx, handle)
			return
		}
		// Ticker: no immediate tick, first fire after d.
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-tctx.Done():
				return
			case <-ticker.C:
				s.postTimer(tctx, handle)
			}
		}
	}()
	return handle
}

func (s *hostState) postTimer(tctx context.Context, handle uint32) {
	select {
	case s.timerCh <- handle:
	case <-tctx.Done():
	}
}

func (s *hostState) hostClearTimer(ctx context.Context, mod api.Module, handle uint32) {
	if cancel, ok := s.timers[handle]; ok {
		cancel()
		delete(s.timers, handle)
	}
}

func (s *hostState) hostConfigGet(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) uint64 {
	key, err := readGuestString(mod, keyPtr, keyLen)
	if err != nil {
		return 0
	}
	value, ok := s.config[key]
	if !ok {
		return 0
	}
	packed, err := writeGuestString(ctx, mod, value)
	if err != nil {
		return 0
	}
	return packed
}

func (s *hostState) hostStorageGet(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) uint64 {
	key, err := readGuestString(mod, keyPtr, keyLen)
	if err != nil {
		return errEnvelope(ctx, mod, err)
	}
	value, found, err := s.storageGet(key)
	if err != nil {
		return errEnvelope(ctx, mod, err)
	}
	if !found {
		return 0
	}
	return okEnvelope(ctx, mod, value)
}

func (s *hostState) hostStorageSet(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen uint32) uint64 {
	key, err := readGuestString(mod, keyPtr, keyLen)
	if err != nil {
		return packStatus(ctx, mod, err)
	}
	value, err := readGuestString(mod, valPtr, valLen)
	if err != nil {
		return packStatus(ctx, mod, err)
	}
	return packStatus(ctx, mod, s.storageSet(key, value))
}

func (s *hostState) hostStorageDelete(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) uint64 {
	key, err := readGuestString(mod, keyPtr, keyLen)
	if err != nil {
		return packStatus(ctx, mod, err)
	}
	return packStatus(ctx, mod, s.storageDelete(key))
}

func (s *hostState) storageGet(key string) (string, bool, error) {
	if err := s.validator.CheckStorage(); err != nil {
		s.logger.Warn("storage_get denied", "key", key)
		return "", false, err
	}
	path, err := s.storagePath(key)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func (s *hostState) storageSet(key, value string) error {
	if err := s.validator.CheckStorage(); err != nil {
		s.logger.Warn("storage_set denied", "key", key)
		return err
	}
	path, err := s.storagePath(key)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(value), 0o644)
}

func (s *hostState) storageDelete(key string) error {
	if err := s.validator.CheckStorage(); err != nil {
		s.logger.Warn("storage_delete denied", "key", key)
		return err
	}
	path, err := s.storagePath(key)
	if err != nil {
		return err
	}
	// Delete on a missing file is a no-op.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *hostState) hostLog(ctx context.Context, mod api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	level, _ := readGuestString(mod, levelPtr, levelLen)
	msg, err := readGuestString(mod, msgPtr, msgLen)
	if err != nil {
		return
	}
	s.logger.Log(ctx, slogLevel(level), msg)
}

func slogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (s *hostState) storagePath(key string) (string, error) {
	name := sanitizeKey(key)
	if name == "" {
		return "", fmt.Errorf("storage key %q sanitizes to empty", key)
	}
	return filepath.Join(s.storage, name), nil
}

// sanitizeKey maps any character outside [A-Za-z0-9_-] to '_'. Distinct
// keys differing only in disallowed characters may collide.
func sanitizeKey(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
