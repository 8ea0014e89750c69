package remediation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// AtomicSwap replaces the directory at live with one produced by install.
//
// install receives a workspace directory (a sibling of live, on the same
// filesystem) and must create workspace/<base(live)>. Only after install
// returns nil is that directory renamed over live; the previous live directory
// is moved aside first and removed afterwards. If install fails or ctx is
// cancelled, live is left untouched and the workspace is removed.
func AtomicSwap(ctx context.Context, live string, install func(ctx context.Context, workspace string) error) error {
	live = filepath.Clean(live)
	parent, base := filepath.Dir(live), filepath.Base(live)

	workspace, err := os.MkdirTemp(parent, ".qmoi-swap-"+base+"-")
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	if err := install(ctx, workspace); err != nil {
		return fmt.Errorf("install into workspace: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	staged := filepath.Join(workspace, base)
	if _, err := os.Stat(staged); err != nil {
		return fmt.Errorf("install did not produce %s: %w", base, err)
	}

	aside := ""
	if _, err := os.Lstat(live); err == nil {
		aside = filepath.Join(workspace, base+".previous")
		if err := os.Rename(live, aside); err != nil {
			return fmt.Errorf("move %s aside: %w", live, err)
		}
	}

	if err := os.Rename(staged, live); err != nil {
		if aside != "" {
			if rerr := os.Rename(aside, live); rerr != nil {
				return fmt.Errorf("swap %s: %w (restore failed: %v)", live, err, rerr)
			}
		}
		return fmt.Errorf("swap %s: %w", live, err)
	}
	return nil
}
