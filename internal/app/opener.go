package app

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"appnotifier/internal/inventory"
	logx "appnotifier/pkg/logx"
)

// execOpener performs alert-click navigation with host commands:
// channel pages open through xdg-open, launchable entities run their
// own launch command. All calls are best-effort and bounded.
type execOpener struct {
	log        logx.Logger
	listingURL string
	detailURL  string // contains one %s verb for the entity id
}

func newExecOpener(listingURL, detailURL string, log logx.Logger) *execOpener {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &execOpener{
		log:        log,
		listingURL: strings.TrimSpace(listingURL),
		detailURL:  strings.TrimSpace(detailURL),
	}
}

func (o *execOpener) OpenRecentUpdates(ctx context.Context) error {
	if o.listingURL == "" {
		return nil
	}
	return o.open(ctx, o.listingURL)
}

func (o *execOpener) OpenDetail(ctx context.Context, entityID string) error {
	if o.detailURL == "" {
		return o.OpenRecentUpdates(ctx)
	}
	return o.open(ctx, fmt.Sprintf(o.detailURL, entityID))
}

func (o *execOpener) Launch(ctx context.Context, ent inventory.Entity) error {
	if len(ent.Launch) == 0 {
		return fmt.Errorf("entity %s has no launch command", ent.ID)
	}
	cmd := exec.CommandContext(ctx, ent.Launch[0], ent.Launch[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", ent.ID, err)
	}
	// Detach: the launched program outlives the click handling.
	go func() {
		if err := cmd.Wait(); err != nil {
			o.log.Debug("launched process exited", logx.String("entity", ent.ID), logx.Err(err))
		}
	}()
	return nil
}

func (o *execOpener) open(ctx context.Context, url string) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(cctx, "xdg-open", url).Run(); err != nil {
		return fmt.Errorf("open %s: %w", url, err)
	}
	return nil
}
