// internal/identity/identity.go

// Package identity produces fresh account identities and manages the
// machine-identity reset hook that runs before each registration.
package identity

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"credpilot/api/schemas"
	"credpilot/internal/config"
)

// NewMachineID returns a fresh machine identity for a registration run.
func NewMachineID() string {
	return uuid.NewString()
}

// Resetter runs the configured machine-identity reset command. The command
// is external tooling owned by the operator; an empty command disables the
// hook entirely.
type Resetter struct {
	cfg config.IdentityConfig
	log *zap.Logger
}

// NewResetter builds the hook from configuration.
func NewResetter(cfg config.IdentityConfig, logger *zap.Logger) *Resetter {
	return &Resetter{cfg: cfg, log: logger.Named("identity")}
}

// Reset executes the reset command under its timeout. A failing reset is
// structural: registering with a stale machine identity defeats the point,
// and rerunning a broken command cannot fix it.
func (r *Resetter) Reset(ctx context.Context) error {
	if len(r.cfg.ResetCommand) == 0 {
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.ResetTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.cfg.ResetCommand[0], r.cfg.ResetCommand[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return schemas.Structural("identity.reset",
			fmt.Errorf("reset command failed: %w (output: %s)", err, string(out)))
	}
	r.log.Debug("machine identity reset", zap.String("command", r.cfg.ResetCommand[0]))
	return nil
}
