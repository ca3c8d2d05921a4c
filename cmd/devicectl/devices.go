package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mobiledevicelab/devicectl/internal/device"
	"github.com/mobiledevicelab/devicectl/internal/driver"
	"github.com/mobiledevicelab/devicectl/internal/lifecycle"
	"github.com/mobiledevicelab/devicectl/internal/registry"
)

// resolveDevice finds a device by id or name, triggering a fresh Discover
// walk if the catalog doesn't already know about it.
func resolveDevice(ctx context.Context, reg *registry.Registry, idOrName string) (*device.Record, error) {
	if rec := reg.GetDeviceWithID(idOrName); rec != nil {
		return rec, nil
	}
	if _, err := reg.Discover(ctx, false); err != nil {
		return nil, fmt.Errorf("discovering devices: %w", err)
	}
	if rec := reg.GetDeviceWithID(idOrName); rec != nil {
		return rec, nil
	}
	if matches := reg.GetDevicesWithName(idOrName); len(matches) > 0 {
		return matches[0], nil
	}
	return nil, fmt.Errorf("no device found matching %q", idOrName)
}

// withSession resolves id, opens a session against it, runs fn with the
// orchestrator/record/token, then always ends the session.
func withSession(cmd *cobra.Command, id string, fn func(ctx context.Context, orch *lifecycle.Orchestrator, rec *device.Record, token string) error) error {
	ctx := cmd.Context()
	reg, err := buildDefaultRegistry()
	if err != nil {
		return err
	}
	rec, err := resolveDevice(ctx, reg, id)
	if err != nil {
		return err
	}
	orch, err := reg.OrchestratorFor(rec)
	if err != nil {
		return err
	}
	token, err := orch.StartSession(rec)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer func() {
		if err := orch.EndSession(rec, token); err != nil {
			fmt.Fprintf(os.Stderr, "warning: ending session: %v\n", err)
		}
	}()
	return fn(ctx, orch, rec, token)
}

var showCmd = &cobra.Command{
	Use:   "show <device-id-or-name>",
	Short: "Print a single device's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := buildDefaultRegistry()
		if err != nil {
			return err
		}
		rec, err := resolveDevice(cmd.Context(), reg, args[0])
		if err != nil {
			return err
		}
		return registry.PresentDeviceYAML(os.Stdout, rec.Snapshot())
	},
}

var bootCmd = &cobra.Command{
	Use:   "boot <device-id-or-name>",
	Short: "Boot a device and wait until it reports ready",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		reg, err := buildDefaultRegistry()
		if err != nil {
			return err
		}
		rec, err := resolveDevice(ctx, reg, args[0])
		if err != nil {
			return err
		}
		orch, err := reg.OrchestratorFor(rec)
		if err != nil {
			return err
		}
		if err := orch.Boot(ctx, rec, lifecycle.BootOptions{}); err != nil {
			return err
		}
		fmt.Printf("%s is booted\n", rec.ID())
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown <device-id-or-name>",
	Short: "Shut a device down",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(ctx context.Context, orch *lifecycle.Orchestrator, rec *device.Record, token string) error {
			if err := orch.Shutdown(ctx, rec, token); err != nil {
				return err
			}
			fmt.Printf("%s is shut down\n", rec.ID())
			return nil
		})
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <device-id-or-name>",
	Short: "Restart a device and wait until it reports ready",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(ctx context.Context, orch *lifecycle.Orchestrator, rec *device.Record, token string) error {
			return orch.Restart(ctx, rec, token, lifecycle.BootOptions{})
		})
	},
}

var installCmd = &cobra.Command{
	Use:   "install <device-id-or-name> <app-path>",
	Short: "Install an app bundle onto a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(ctx context.Context, orch *lifecycle.Orchestrator, rec *device.Record, token string) error {
			return orch.Install(ctx, rec, token, args[1])
		})
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <device-id-or-name> <bundle-id>",
	Short: "Uninstall an app bundle from a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(ctx context.Context, orch *lifecycle.Orchestrator, rec *device.Record, token string) error {
			return orch.Uninstall(ctx, rec, token, args[1])
		})
	},
}

var launchCmd = &cobra.Command{
	Use:   "launch <device-id-or-name> <bundle-id>",
	Short: "Launch an app by bundle id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(ctx context.Context, orch *lifecycle.Orchestrator, rec *device.Record, token string) error {
			return orch.Launch(ctx, rec, token, args[1])
		})
	},
}

var rotateLeftCmd = &cobra.Command{
	Use:   "rotate-left <device-id-or-name>",
	Short: "Rotate a device one quarter-turn counterclockwise",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(ctx context.Context, orch *lifecycle.Orchestrator, rec *device.Record, token string) error {
			return orch.RotateLeft(ctx, rec, token)
		})
	},
}

var rotateRightCmd = &cobra.Command{
	Use:   "rotate-right <device-id-or-name>",
	Short: "Rotate a device one quarter-turn clockwise",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(ctx context.Context, orch *lifecycle.Orchestrator, rec *device.Record, token string) error {
			return orch.RotateRight(ctx, rec, token)
		})
	},
}

var homeCmd = &cobra.Command{
	Use:   "home <device-id-or-name>",
	Short: "Press the home button",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(ctx context.Context, orch *lifecycle.Orchestrator, rec *device.Record, token string) error {
			return orch.PressHomeKey(ctx, rec, token)
		})
	},
}

var keyEventCmd = &cobra.Command{
	Use:   "key-event <device-id-or-name> <key>",
	Short: "Send a hardware key event (home, volume-up, volume-down, power, back)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args[0], func(ctx context.Context, orch *lifecycle.Orchestrator, rec *device.Record, token string) error {
			return orch.PerformKeyEvent(ctx, rec, token, driver.KeyEvent(args[1]))
		})
	},
}

func init() {
	rootCmd.AddCommand(showCmd, bootCmd, shutdownCmd, restartCmd, installCmd, uninstallCmd, launchCmd, rotateLeftCmd, rotateRightCmd, homeCmd, keyEventCmd)
}
