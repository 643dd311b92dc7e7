package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/go-claw/internal/doctor"
)

// runDoctorCommand implements `doctor [-json]` (spec.md §6 CLI surface):
// it builds every component doctor.Run can inspect the same way the
// daemon would, tolerating a backend/sandbox that fails to construct so
// the report can explain why.
func runDoctorCommand(ctx context.Context, dataDir string, args []string) int {
	jsonOutput := false
	for _, a := range args {
		if a == "-json" || a == "--json" {
			jsonOutput = true
		}
	}

	c, closer, err := buildCore(ctx, dataDir, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
		return exitGeneric
	}
	defer closer.Close()
	defer c.Otel.Shutdown(ctx)

	diag := doctor.Run(ctx, doctor.Options{
		Config:  &c.Config,
		Store:   c.Store,
		Queue:   c.Queue,
		Backend: c.Backend,
		Sandbox: c.Sandbox,
		Otel:    otelConfigFrom(c.Config),
		Version: Version,
	})

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			return exitGeneric
		}
		if diag.Failed() {
			return exitGeneric
		}
		return exitOK
	}

	fmt.Printf("orchestrate doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("system: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")
	for _, res := range diag.Results {
		icon := "PASS"
		switch res.Status {
		case "FAIL":
			icon = "FAIL"
		case "WARN":
			icon = "WARN"
		case "SKIP":
			icon = "SKIP"
		}
		fmt.Printf("[%s] %-16s %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("       %s\n", res.Detail)
		}
	}

	if diag.Failed() {
		return exitGeneric
	}
	return exitOK
}
