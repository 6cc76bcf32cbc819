// Copyright 2025 Joseph Cumines
//
// Health and doctor diagnostics

package bridge

import (
	"context"

	"github.com/joeycumines/desktopbridge/internal/allowlist"
	"github.com/joeycumines/desktopbridge/internal/axtree"
	"github.com/joeycumines/desktopbridge/internal/peer"
	"github.com/joeycumines/desktopbridge/internal/platform"
)

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
)

type healthResult struct {
	Permissions       *platform.PermissionState `json:"permissions,omitempty"`
	Status            string                    `json:"status"`
	Version           string                    `json:"version"`
	Capabilities      []string                  `json:"capabilities"`
	Peer              peer.Identity             `json:"peer"`
	SchemaVersion     int                       `json:"schemaVersion"`
	PlatformReachable bool                      `json:"platformReachable"`
}

// health reads the permission snapshot. A helper that cannot be reached
// degrades the result rather than failing it.
func (s *Server) health(ctx context.Context, req *request) (healthResult, error) {
	res := healthResult{
		Status:        statusOK,
		Version:       s.version,
		Capabilities:  s.Methods(),
		Peer:          req.peer,
		SchemaVersion: SchemaVersion,
	}
	perms, err := s.platform.ReadPermissionState(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return res, err
		}
		res.Status = statusDegraded
		return res, nil
	}
	res.PlatformReachable = true
	res.Permissions = &perms
	if len(perms.Missing(platform.PermissionAccessibility, platform.PermissionScreenRecording)) > 0 {
		res.Status = statusDegraded
	}
	return res, nil
}

func (s *Server) handleHealth(ctx context.Context, req *request) (any, error) {
	return s.health(ctx, req)
}

type permissionReport struct {
	Name    platform.Permission `json:"name"`
	Remedy  string              `json:"remedy,omitempty"`
	Granted bool                `json:"granted"`
}

type trustReport struct {
	Level       peer.Trust `json:"level"`
	Explanation string     `json:"explanation"`
}

type limitsReport struct {
	Tree             axtree.Limits `json:"tree"`
	TreeMaxWallMs    int64         `json:"treeMaxWallMs"`
	RequestTimeoutMs int64         `json:"requestTimeoutMs"`
	MaxTimeoutMs     int64         `json:"maxTimeoutMs"`
	RateLimit        float64       `json:"rateLimit"`
}

type doctorResult struct {
	healthResult
	Allowlist     *allowlist.Decision `json:"allowlist,omitempty"`
	PlatformError string              `json:"platformError,omitempty"`
	Trust         trustReport         `json:"trust"`
	Checks        []permissionReport  `json:"checks"`
	Limits        limitsReport        `json:"limits"`
	SingleFlight  bool                `json:"singleFlight"`
	AllowPhrase   bool                `json:"allowPhrase"`
}

var permissionRemedies = map[platform.Permission]string{
	platform.PermissionAccessibility:   "Grant the helper access in System Settings > Privacy & Security > Accessibility, then restart it",
	platform.PermissionScreenRecording: "Grant the helper access in System Settings > Privacy & Security > Screen Recording, then restart it",
}

func (s *Server) handleDoctor(ctx context.Context, req *request) (any, error) {
	h, err := s.health(ctx, req)
	if err != nil {
		return nil, err
	}
	res := doctorResult{
		healthResult: h,
		Allowlist:    req.decision,
		Trust: trustReport{
			Level:       req.peer.Trust,
			Explanation: req.peer.Trust.Explain(),
		},
		Checks: []permissionReport{},
		Limits: limitsReport{
			Tree:             s.cfg.Tree,
			TreeMaxWallMs:    s.cfg.Tree.MaxWall.Milliseconds(),
			RequestTimeoutMs: s.cfg.RequestTimeout.Milliseconds(),
			MaxTimeoutMs:     s.cfg.MaxTimeout.Milliseconds(),
			RateLimit:        s.cfg.RateLimit,
		},
		SingleFlight: s.cfg.SingleFlight,
		AllowPhrase:  s.cfg.AllowPhrase,
	}
	if !h.PlatformReachable {
		res.PlatformError = "platform helper at " + s.cfg.PlatformAddr + " is unreachable"
		return res, nil
	}
	for _, p := range []platform.Permission{platform.PermissionAccessibility, platform.PermissionScreenRecording} {
		r := permissionReport{Name: p, Granted: h.Permissions.Has(p)}
		if !r.Granted {
			r.Remedy = permissionRemedies[p]
		}
		res.Checks = append(res.Checks, r)
	}
	return res, nil
}
