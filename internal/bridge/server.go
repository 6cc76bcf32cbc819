// Copyright 2025 Joseph Cumines
//
// Request dispatch pipeline

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/desktopbridge/internal/allowlist"
	"github.com/joeycumines/desktopbridge/internal/axtree"
	"github.com/joeycumines/desktopbridge/internal/config"
	"github.com/joeycumines/desktopbridge/internal/confirm"
	"github.com/joeycumines/desktopbridge/internal/evidence"
	"github.com/joeycumines/desktopbridge/internal/peer"
	"github.com/joeycumines/desktopbridge/internal/platform"
	"github.com/joeycumines/desktopbridge/internal/tracker"
	"github.com/joeycumines/desktopbridge/internal/transport"
	"golang.org/x/sync/semaphore"
)

// legacyPrefix is accepted in front of every method name.
const legacyPrefix = "desktop."

// Options configures a Server. Platform is required; everything else has
// a usable default.
type Options struct {
	Platform platform.Platform
	Config   *config.Config
	Logger   *slog.Logger
	Audit    *AuditLogger
	Metrics  *transport.MetricsRegistry
	Tokens   *confirm.Store
	Evidence *evidence.Writer
	Version  string
}

// Server serves bridge requests. One Server is shared by every session;
// per-connection state lives in the Handler returned by Session.
//
//lint:ignore BETTERALIGN struct is intentionally ordered for clarity
type Server struct {
	platform platform.Platform
	cfg      *config.Config
	logger   *slog.Logger
	audit    *AuditLogger
	metrics  *transport.MetricsRegistry
	tokens   *confirm.Store
	tracker  *tracker.Tracker
	gate     *allowlist.Gate
	evidence *evidence.Writer
	limiter  *transport.PeerRateLimiter
	lane     *semaphore.Weighted
	methods  map[string]method
	host     evidence.Host
	version  string
	now      func() time.Time
	draining atomic.Bool
}

type handlerFunc func(ctx context.Context, req *request) (any, error)

// method describes one callable method.
type method struct {
	handle handlerFunc
	// sideEffect methods are confirmation-gated and run in the lane.
	sideEffect bool
	// workspace methods write evidence and need meta.workspacePath.
	workspace bool
}

// request is a parsed request, valid for the duration of its handler.
type request struct {
	decision *allowlist.Decision
	params   json.RawMessage
	method   string
	key      string
	meta     Meta
	peer     peer.Identity
}

// New builds a Server from opts.
func New(opts Options) (*Server, error) {
	if opts.Platform == nil {
		return nil, errors.New("bridge: platform is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = confirm.NewStore()
	}
	writer := opts.Evidence
	if writer == nil {
		writer = evidence.NewWriter(nil)
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	hostname, _ := os.Hostname()

	s := &Server{
		platform: opts.Platform,
		cfg:      cfg,
		logger:   logger,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		tokens:   tokens,
		tracker:  tracker.New(),
		gate:     allowlist.NewGate(logger),
		evidence: writer,
		limiter:  transport.NewPeerRateLimiter(cfg.RateLimit, transport.DefaultMaxPeers),
		host: evidence.Host{
			Hostname: hostname,
			Version:  version,
			OS:       runtime.GOOS,
			Arch:     runtime.GOARCH,
			PID:      os.Getpid(),
		},
		version: version,
		now:     time.Now,
	}
	if cfg.SingleFlight {
		s.lane = semaphore.NewWeighted(1)
	}

	s.methods = map[string]method{
		"health":        {handle: s.handleHealth},
		"doctor":        {handle: s.handleDoctor},
		"observe":       {handle: s.handleObserve, workspace: true},
		"find":          {handle: s.handleFind},
		"readText":      {handle: s.handleReadText},
		"waitUntil":     {handle: s.handleWaitUntil},
		"click":         {handle: s.handleClick, sideEffect: true, workspace: true},
		"typeText":      {handle: s.handleTypeText, sideEffect: true, workspace: true},
		"hotkey":        {handle: s.handleHotkey, sideEffect: true, workspace: true},
		"abort":         {handle: s.handleAbort},
		"confirm.issue": {handle: s.handleConfirmIssue},
	}
	return s, nil
}

// NormalizeMethod strips the legacy "desktop." prefix.
func NormalizeMethod(name string) string {
	return strings.TrimPrefix(name, legacyPrefix)
}

// Methods returns the canonical method names, sorted.
func (s *Server) Methods() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// StopAccepting makes every subsequent request fail with
// DESKTOP_HOST_NOT_READY. Requests already running are unaffected.
func (s *Server) StopAccepting() {
	if !s.draining.Swap(true) {
		s.logger.Info("bridge draining", "in_flight", s.tracker.InFlight())
	}
}

// Drain waits until no request is in flight or ctx is done.
func (s *Server) Drain(ctx context.Context) error {
	return s.tracker.Drain(ctx)
}

// InFlight returns the number of tracked requests.
func (s *Server) InFlight() int {
	return s.tracker.InFlight()
}

// Status is the body of the diagnostics /status endpoint.
func (s *Server) Status() any {
	return map[string]any{
		"version":  s.version,
		"draining": s.draining.Load(),
		"inFlight": s.tracker.InFlight(),
		"tokens":   s.tokens.Len(),
		"peers":    s.limiter.Peers(),
	}
}

// Session returns the Handler for one connection. resolve is called at
// most once, on the first request, and its identity is used for every
// request of the session.
func (s *Server) Session(resolve func() peer.Identity) transport.Handler {
	return &session{srv: s, resolve: resolve}
}

// WorkspaceSession is Session with a default workspace, used for requests
// that carry no meta.workspacePath.
func (s *Server) WorkspaceSession(workspace string, resolve func() peer.Identity) transport.Handler {
	return &session{srv: s, resolve: resolve, workspace: workspace}
}

type session struct {
	srv       *Server
	resolve   func() peer.Identity
	workspace string
	id        peer.Identity
	once      sync.Once
}

func (c *session) identity() peer.Identity {
	c.once.Do(func() {
		if c.resolve == nil {
			c.id = peer.Unknown()
			return
		}
		c.id = c.resolve()
	})
	return c.id
}

// Handle implements transport.Handler.
func (c *session) Handle(ctx context.Context, msg *transport.Message) *transport.Message {
	s := c.srv
	start := s.now()
	id := c.identity()
	name := NormalizeMethod(msg.Method)

	result, meta, e := s.serve(ctx, msg, name, id, c.workspace)

	code := "ok"
	if e != nil {
		code = string(e.Code)
	}
	duration := s.now().Sub(start)
	s.metrics.RecordRequest(name, code, duration)
	s.audit.LogRequest(AuditRecord{
		Method:    name,
		RequestID: meta.RequestID,
		Code:      code,
		Peer:      id,
		Params:    msg.Params,
		Duration:  duration,
	})

	if e == nil {
		resp, err := transport.NewResult(msg, result)
		if err == nil {
			return resp
		}
		e = errorf(CodeInternal, "failed to encode result: %v", err)
	}
	if e.Code == CodeInternal {
		s.logger.Error("request failed", "method", name, "request_id", meta.RequestID, "error", e.Message)
	} else {
		s.logger.Debug("request rejected", "method", name, "request_id", meta.RequestID, "code", e.Code)
	}
	return transport.NewError(msg, e.wire())
}

// Malformed implements transport.Handler.
func (c *session) Malformed(err error) *transport.Message {
	reason := "parse_error"
	if errors.Is(err, transport.ErrLineTooLong) {
		reason = "line_too_long"
	}
	e := invalidRequest(reason, "%v", err)
	c.srv.metrics.RecordRequest("", string(e.Code), 0)
	return transport.NewError(nil, e.wire())
}

// serve runs the pipeline: envelope and meta, readiness, workspace,
// allowlist, rate limit, tracking, then the method handler.
func (s *Server) serve(ctx context.Context, msg *transport.Message, name string, id peer.Identity, workspace string) (any, Meta, *Error) {
	if !msg.ValidID() {
		return nil, Meta{}, invalidRequest("invalid_id", "id must be a string or a number")
	}
	m, ok := s.methods[name]
	if !ok {
		return nil, Meta{}, invalidRequest("unknown_method", "unknown method %q", msg.Method).with("method", msg.Method)
	}
	meta, e := parseMeta(msg.Params, msg.IDString())
	if e != nil {
		return nil, meta, e
	}
	if meta.WorkspacePath == "" {
		meta.WorkspacePath = workspace
	}

	if s.draining.Load() {
		return nil, meta, newError(CodeHostNotReady, "bridge is shutting down")
	}

	req := &request{
		params: msg.Params,
		method: name,
		meta:   meta,
		peer:   id,
		key:    trackKey(id, meta.RequestID),
	}

	if meta.WorkspacePath != "" {
		ws, e := s.validateWorkspace(meta.WorkspacePath)
		if e != nil {
			return nil, meta, e
		}
		req.meta.WorkspacePath = ws

		decision, err := s.gate.IsAllowed(id, ws)
		if !decision.Allowed {
			e := errorf(CodeCallerNotAllowed, "caller is not allowed by %s", filepath.Join(ws, allowlist.FileName)).
				with("pid", id.PID).
				with("trust", id.Trust).
				with("reason", decision.Reason)
			if err != nil {
				e.with("error", err.Error())
			}
			return nil, meta, e
		}
		req.decision = &decision
	} else if m.workspace {
		return nil, meta, invalidRequest("missing_workspace", "%s requires params.meta.workspacePath", name)
	}

	if !s.limiter.Allow(id.IdentityDigest) {
		return nil, meta, newError(CodeRateLimited, "rate limit exceeded")
	}

	timeout := s.timeout(meta)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, done, err := s.tracker.Register(ctx, req.key)
	if err != nil {
		return nil, meta, invalidRequest("duplicate_request_id", "request %q is already in flight", meta.RequestID).
			with("requestId", meta.RequestID)
	}
	s.metrics.SetInFlight(s.tracker.InFlight())
	defer func() {
		done()
		s.metrics.SetInFlight(s.tracker.InFlight())
	}()

	result, err := m.handle(ctx, req)
	if err != nil {
		e := toError(ctx, err)
		if e.Code == CodeTimeout && e.Details["timeoutMs"] == nil {
			e.with("timeoutMs", timeout.Milliseconds())
		}
		return nil, meta, e
	}
	return result, meta, nil
}

// timeout resolves meta.timeoutMs against the configured default and
// maximum.
func (s *Server) timeout(meta Meta) time.Duration {
	if meta.TimeoutMs <= 0 {
		return s.cfg.RequestTimeout
	}
	return min(millis(meta.TimeoutMs), s.cfg.MaxTimeout)
}

// trackKey scopes request ids to the peer, so a caller can only abort its
// own requests and ids never collide across callers.
func trackKey(id peer.Identity, requestID string) string {
	return id.IdentityDigest + "/" + requestID
}

// validateWorkspace checks that path is an absolute, clean, existing
// directory inside one of the configured roots, if any.
func (s *Server) validateWorkspace(path string) (string, *Error) {
	forbidden := func(reason string) *Error {
		return errorf(CodeWorkspaceForbidden, "workspace path %q is not allowed: %s", path, strings.ReplaceAll(reason, "_", " ")).
			with("reason", reason)
	}

	if !filepath.IsAbs(path) {
		return "", forbidden("not_absolute")
	}
	cleaned := filepath.Clean(path)
	if cleaned != path && cleaned+string(filepath.Separator) != path {
		return "", forbidden("not_clean")
	}
	info, err := os.Stat(cleaned)
	if err != nil {
		return "", forbidden("not_found")
	}
	if !info.IsDir() {
		return "", forbidden("not_directory")
	}

	if len(s.cfg.WorkspaceRoots) == 0 {
		return cleaned, nil
	}
	real := resolveSymlinks(cleaned)
	for _, root := range s.cfg.WorkspaceRoots {
		if within(real, resolveSymlinks(root)) {
			return cleaned, nil
		}
	}
	return "", forbidden("outside_roots")
}

func resolveSymlinks(path string) string {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real
	}
	return filepath.Clean(path)
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// walker returns a tree walker for req, honoring its abort flag.
func (s *Server) walker(req *request, limits axtree.Limits) *axtree.Walker {
	return axtree.NewWalker(s.platform, limits, s.tracker.AbortFunc(req.key))
}

func (s *Server) recordTruncation(stats axtree.Stats) {
	for _, reason := range stats.TruncatedBy {
		s.metrics.RecordTruncation(reason)
	}
}

// envFor builds the env.json content of an execution.
func (s *Server) envFor(req *request, perms platform.PermissionState) evidence.Env {
	return evidence.Env{
		Host:        s.host,
		Method:      req.method,
		RequestID:   req.meta.RequestID,
		Peer:        req.peer,
		Permissions: perms,
	}
}

// evidenceInfo is the evidence member of results.
type evidenceInfo struct {
	ExecutionID string   `json:"executionId,omitempty"`
	Dir         string   `json:"dir,omitempty"`
	Error       string   `json:"error,omitempty"`
	Files       []string `json:"files"`
}

func newEvidenceInfo(b *evidence.Bundle, err error) evidenceInfo {
	info := evidenceInfo{Files: []string{}}
	if b != nil {
		info.ExecutionID = b.ID()
		info.Dir = b.Dir()
		info.Files = b.Files()
	}
	if err != nil {
		info.Error = err.Error()
	}
	return info
}

func (s *Server) beginEvidence(req *request, perms platform.PermissionState) (*evidence.Bundle, error) {
	b, err := s.evidence.Begin(req.meta.WorkspacePath, s.envFor(req, perms))
	if err != nil {
		s.logger.Error("failed to write evidence", "request_id", req.meta.RequestID, "error", err)
		return nil, fmt.Errorf("evidence: %w", err)
	}
	return b, nil
}
