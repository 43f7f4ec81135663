package server

import (
	"context"
	"fmt"
)

// CollectStats summarises blob usage, packages per type and open uploads.
func CollectStats(ctx context.Context, deps Deps) (*Stats, error) {
	blobs, err := deps.Service.Blobs().Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob stats: %w", err)
	}
	pkgs, err := deps.Service.Meta().Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("package stats: %w", err)
	}
	stats := &Stats{Blobs: *blobs, Packages: pkgs}
	if deps.Uploads != nil {
		if stats.UploadSessions, err = deps.Uploads.Count(); err != nil {
			return nil, fmt.Errorf("upload stats: %w", err)
		}
	}
	return stats, nil
}
