package usecase

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"connector/internal/domain"

	"github.com/pkg/errors"
)

// Methods はメソッドトークンからハンドラーへの対応表.
type Methods map[string]domain.MethodHandler

// knownMethods 以外のメソッドトークンは501で拒否する.
var knownMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "DELETE": true,
	"OPTIONS": true, "TRACE": true, "CONNECT": true, "PATCH": true,
	"PROPFIND": true, "PROPPATCH": true, "MKCOL": true, "COPY": true,
	"MOVE": true, "LOCK": true, "UNLOCK": true,
}

// RemainderAttribute は末尾の"*"に一致したパスを保持する属性名.
const RemainderAttribute = "*"

type segment struct {
	literal  string
	variable string
}

type route struct {
	pattern   string
	segments  []segment
	remainder bool
	methods   Methods
	allow     string
}

// Dispatcher はすべてのリスナーが呼び出す唯一の入口.
// アクセス制御, ルーティング, メソッドの選択を行い, 必ずステータスを設定して返る.
type Dispatcher struct {
	mu      sync.RWMutex
	routes  []*route
	access  domain.AccessController
	metrics domain.MetricsCollector
	logger  domain.Logger
}

var _ domain.Handler = (*Dispatcher)(nil)

// NewDispatcher は新しいDispatcherインスタンスを作成. accessはnilでもよい.
func NewDispatcher(
	access domain.AccessController, metrics domain.MetricsCollector, logger domain.Logger,
) *Dispatcher {
	return &Dispatcher{
		access:  access,
		metrics: metrics,
		logger:  logger,
	}
}

// Attach はパターンにメソッド表を登録する. 先に登録したものが優先される.
// パターンはリテラル, "{name}"変数, 末尾の"*"からなる.
func (d *Dispatcher) Attach(pattern string, methods Methods) error {
	r, err := parsePattern(pattern)
	if err != nil {
		return err
	}
	if len(methods) == 0 {
		return errors.Errorf("no methods attached to %q", pattern)
	}

	r.methods = make(Methods, len(methods))
	for name, h := range methods {
		if h == nil {
			return errors.Errorf("nil handler for %s %s", name, pattern)
		}
		r.methods[strings.ToUpper(name)] = h
	}
	r.allow = allowHeader(r.methods)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes = append(d.routes, r)
	return nil
}

func parsePattern(pattern string) (*route, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, errors.Errorf("pattern %q must start with /", pattern)
	}

	r := &route{pattern: pattern}
	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	seen := make(map[string]bool)
	for i, part := range parts {
		switch {
		case part == "" && len(parts) == 1:
			// "/"
		case part == "*":
			if i != len(parts)-1 {
				return nil, errors.Errorf("pattern %q: * must be the last segment", pattern)
			}
			r.remainder = true
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := part[1 : len(part)-1]
			if name == "" || seen[name] {
				return nil, errors.Errorf("pattern %q: invalid variable %q", pattern, part)
			}
			seen[name] = true
			r.segments = append(r.segments, segment{variable: name})
		case part == "":
			return nil, errors.Errorf("pattern %q: empty segment", pattern)
		default:
			r.segments = append(r.segments, segment{literal: part})
		}
	}
	return r, nil
}

func allowHeader(methods Methods) string {
	names := make([]string, 0, len(methods)+1)
	for name := range methods {
		names = append(names, name)
	}
	if _, ok := methods["GET"]; ok {
		if _, ok := methods["HEAD"]; !ok {
			names = append(names, "HEAD")
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// match はパスがルートに一致すれば捕捉した変数を返す.
func (r *route) match(path string) (map[string]string, bool) {
	trimmed := strings.Trim(path, "/")
	var parts []string
	if trimmed != "" {
		parts = strings.Split(trimmed, "/")
	}

	if len(parts) < len(r.segments) || (!r.remainder && len(parts) != len(r.segments)) {
		return nil, false
	}

	captured := make(map[string]string)
	for i, seg := range r.segments {
		if seg.variable != "" {
			if parts[i] == "" {
				return nil, false
			}
			captured[seg.variable] = parts[i]
			continue
		}
		if parts[i] != seg.literal {
			return nil, false
		}
	}
	if r.remainder {
		captured[RemainderAttribute] = strings.Join(parts[len(r.segments):], "/")
	}
	return captured, true
}

func (d *Dispatcher) lookup(path string) (*route, map[string]string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, r := range d.routes {
		if captured, ok := r.match(path); ok {
			return r, captured
		}
	}
	return nil, nil
}

// Handle はcallを処理する. 戻った時点でステータスは必ず設定されている.
// コミットは呼び出し元のリスナーが行う.
func (d *Dispatcher) Handle(ctx context.Context, call domain.ServerCall) {
	d.metrics.RecordRequest()

	if err := call.Start(); err != nil {
		d.logger.Error("Call cannot be dispatched", err, callFields(call))
		return
	}

	if err := d.invoke(ctx, call, d.route); err != nil {
		d.fail(call, err)
	}

	if !call.Status().IsSet() {
		status := domain.StatusOK
		if !call.HasResponseBody() {
			status = domain.StatusNoContent
		}
		d.setStatus(call, status)
	}
	d.metrics.RecordStatus(call.Status())
}

// route はアクセス制御とルーティングを行いハンドラーを呼ぶ.
func (d *Dispatcher) route(ctx context.Context, call domain.ServerCall) error {
	if d.access != nil {
		host := call.RequestHeaders().Get("Host")
		allowed, err := d.access.IsAllowed(call.ClientAddress(), host)
		if err != nil {
			return errors.Wrap(err, "access control check failed")
		}
		if !allowed {
			d.metrics.RecordBlockedRequest()
			blocked := &domain.ErrNotAllowed{ClientIP: call.ClientAddress(), Host: host}
			return &domain.ErrProtocol{Status: domain.StatusForbidden, Message: blocked.Error()}
		}
	}

	token := domain.TokenOf(call)
	if !knownMethods[token.Method] {
		return &domain.ErrProtocol{
			Status:  domain.StatusNotImplemented,
			Message: fmt.Sprintf("method %q is not implemented", token.Method),
		}
	}

	r, captured := d.lookup(token.Path)
	if r == nil {
		return domain.NewProtocolError(404, "no resource matches %s", token.Path)
	}
	attrs := call.Attributes()
	for name, value := range captured {
		attrs[name] = value
	}

	h, ok := r.methods[token.Method]
	if !ok && token.Method == "HEAD" {
		h, ok = r.methods["GET"]
	}
	if !ok {
		call.ResponseHeaders().Set("Allow", r.allow)
		return domain.NewProtocolError(405, "method %s is not allowed on %s", token.Method, token.Path)
	}

	return h(ctx, call)
}

// invoke はパニックをエラーに変換してハンドラーを呼ぶ.
func (d *Dispatcher) invoke(
	ctx context.Context, call domain.ServerCall, h domain.MethodHandler,
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in handler: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, call)
}

// fail はエラーの種類に応じてステータスと本文を設定する.
func (d *Dispatcher) fail(call domain.ServerCall, err error) {
	fields := callFields(call)

	status := domain.StatusInternalServerError
	message := status.Reason
	if pe, ok := domain.AsProtocolError(err); ok && pe.Status.IsError() {
		status = pe.Status
		message = pe.Message
		fields["status"] = status.Code
		fields["error"] = err.Error()
		d.logger.Warn("Request rejected", fields)
	} else {
		d.metrics.RecordError()
		d.logger.Error("Handler failed", err, fields)
	}

	if call.State() == domain.CallCommitted {
		return
	}

	allow := call.ResponseHeaders().Get("Allow")
	call.ResponseHeaders().Clear()
	if status.Code == 405 && allow != "" {
		call.ResponseHeaders().Set("Allow", allow)
	}
	d.setStatus(call, status)

	body := message + "\n"
	call.ResponseHeaders().Set("Content-Type", "text/plain; charset=utf-8")
	if err := call.SetResponseBody(strings.NewReader(body), int64(len(body))); err != nil {
		d.logger.Error("Failed to set error entity", err, fields)
	}
}

func (d *Dispatcher) setStatus(call domain.ServerCall, status domain.Status) {
	if err := call.SetStatus(status); err != nil {
		d.logger.Error("Failed to set status", err, callFields(call))
	}
}

func callFields(call domain.ServerCall) map[string]interface{} {
	return map[string]interface{}{
		"call_id": call.ID(),
		"method":  call.Method(),
		"uri":     call.RequestURI(),
		"client":  call.ClientAddress(),
	}
}
