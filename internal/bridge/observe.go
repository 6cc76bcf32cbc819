// Copyright 2025 Joseph Cumines
//
// Observation: screenshot and accessibility tree capture

package bridge

import (
	"context"
	"errors"

	"github.com/joeycumines/desktopbridge/internal/axtree"
	"github.com/joeycumines/desktopbridge/internal/platform"
	"github.com/joeycumines/desktopbridge/internal/transport"
	"golang.org/x/sync/errgroup"
)

const (
	partScreenshot = "screenshot"
	partTree       = "tree"
)

type observeResult struct {
	Tree        *axtree.Node                   `json:"tree,omitempty"`
	Stats       *axtree.Stats                  `json:"stats,omitempty"`
	Errors      map[string]*transport.ErrorObj `json:"errors,omitempty"`
	Evidence    evidenceInfo                   `json:"evidence"`
	Permissions platform.PermissionState       `json:"permissions"`
}

// handleObserve captures the requested parts concurrently into one
// evidence bundle. A part whose permission is missing is skipped and
// reported; the call fails only when every requested part is blocked.
func (s *Server) handleObserve(ctx context.Context, req *request) (any, error) {
	p, e := decodeParams[observeParams](req.params)
	if e != nil {
		return nil, e
	}
	limits, e := p.Limits.apply(s.cfg.Tree)
	if e != nil {
		return nil, e
	}
	wantShot, wantTree := p.wantScreenshot(), p.wantTree()
	if !wantShot && !wantTree {
		return nil, invalidRequest("nothing_to_observe", "at least one of screenshot and tree must be requested")
	}

	perms, err := s.platform.ReadPermissionState(ctx)
	if err != nil {
		return nil, err
	}
	var need []platform.Permission
	if wantShot {
		need = append(need, platform.PermissionScreenRecording)
	}
	if wantTree {
		need = append(need, platform.PermissionAccessibility)
	}
	if missing := perms.Missing(need...); len(missing) == len(need) {
		return nil, permissionMissing(missing)
	}

	bundle, err := s.beginEvidence(req, perms)
	if err != nil {
		return nil, err
	}

	captured := wantShot && perms.Has(platform.PermissionScreenRecording)
	walked := wantTree && perms.Has(platform.PermissionAccessibility)
	var (
		shot    []byte
		shotErr error
		tree    *axtree.Node
		stats   axtree.Stats
		treeErr error
	)
	if wantShot && !captured {
		shotErr = permissionMissing([]platform.Permission{platform.PermissionScreenRecording})
	}
	if wantTree && !walked {
		treeErr = permissionMissing([]platform.Permission{platform.PermissionAccessibility})
	}

	// a lost helper fails the call and stops the sibling part; anything
	// else is reported per part
	g, gctx := errgroup.WithContext(ctx)
	if captured {
		g.Go(func() error {
			shot, shotErr = s.platform.CaptureScreen(gctx)
			return fatalPart(shotErr)
		})
	}
	if walked {
		g.Go(func() error {
			tree, stats, treeErr = s.walker(req, limits).Walk(gctx)
			return fatalPart(treeErr)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if walked && treeErr == nil {
		treeErr = interrupted(ctx)
	}

	res := observeResult{Permissions: perms}
	if shotErr == nil && captured {
		shotErr = bundle.WriteScreenshot(shot)
	}
	if treeErr == nil && walked {
		s.recordTruncation(stats)
		res.Tree = tree
		res.Stats = &stats
		treeErr = bundle.WriteTree(tree, stats)
	}
	for part, err := range map[string]error{partScreenshot: shotErr, partTree: treeErr} {
		if err == nil {
			continue
		}
		if res.Errors == nil {
			res.Errors = make(map[string]*transport.ErrorObj)
		}
		res.Errors[part] = toError(ctx, err).wire()
	}
	res.Evidence = newEvidenceInfo(bundle, nil)
	return res, nil
}

func fatalPart(err error) error {
	if errors.Is(err, platform.ErrUnavailable) {
		return err
	}
	return nil
}
