package statemachine

import (
	"context"
	"fmt"
	"os/exec"
)

// Rebooter restarts the device into the newly installed software.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// CommandRebooter runs an external command, `reboot` by default.
type CommandRebooter struct {
	Command []string
}

func (c CommandRebooter) Reboot(ctx context.Context) error {
	argv := c.Command
	if len(argv) == 0 {
		argv = []string{"reboot"}
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", argv[0], err, out)
	}
	return nil
}
