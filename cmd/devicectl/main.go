// Command devicectl is the reference CLI for the device control plane: it
// discovers iOS/Android simulators and physical hardware, and drives each
// one through the guarded boot/install/launch/rotate lifecycle.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
