package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/allaspectsdev/switchyard/internal/config"
	"github.com/allaspectsdev/switchyard/internal/daemon"
)

func cmdStart(args []string) {
	foreground := false
	for _, a := range args {
		if a == "--foreground" || a == "-f" {
			foreground = true
		}
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := daemon.Run(cfg, foreground); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdStop() {
	if err := daemon.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "error stopping daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("switchyard stopped")
}

func cmdStatus() {
	config.Load("")
	if err := daemon.Status(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func cmdSetup(args []string) {
	nonInteractive := false
	for _, a := range args {
		if a == "--non-interactive" {
			nonInteractive = true
		}
	}

	if nonInteractive {
		cmdInitConfig()
		fmt.Println("Setup complete. Run 'switchyard start' to begin.")
		return
	}

	fmt.Println("Switchyard Setup Wizard")
	fmt.Println("=======================")
	fmt.Println()

	cmdInitConfig()

	fmt.Println("\nNext steps:")
	fmt.Println("  1. Store provider secrets:   switchyard keys set <name>")
	fmt.Println("  2. Reference them in config: keys = { primary = \"keyring:<name>\" }")
	fmt.Println("  3. Define routing pools of providerId.modelId__keyId handles")
	fmt.Println()
	fmt.Println("Setup complete. Run 'switchyard start' to begin.")
}

// cmdRoutes prints every routing pool with its ordered handles.
func cmdRoutes() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if len(cfg.Routing.Pools) == 0 {
		fmt.Println("No routing pools configured")
		return
	}

	categories := make([]string, 0, len(cfg.Routing.Pools))
	for c := range cfg.Routing.Pools {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	for _, c := range categories {
		fmt.Printf("%s:\n", c)
		for i, handle := range cfg.Routing.Pools[c] {
			fmt.Printf("  %d. %s\n", i+1, handle)
		}
	}
}

func cmdInitConfig() {
	if err := config.InitConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "error generating config: %v\n", err)
		os.Exit(1)
	}
}

func cmdInstallService() {
	if err := daemon.InstallService(); err != nil {
		fmt.Fprintf(os.Stderr, "error installing service: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Service installed successfully")
}

func cmdUninstallService() {
	if err := daemon.UninstallService(); err != nil {
		fmt.Fprintf(os.Stderr, "error uninstalling service: %v\n", err)
		os.Exit(1)
	}
}

func cmdConfigExport(args []string) {
	path := "switchyard-export.toml"
	if len(args) > 0 {
		path = args[0]
	}
	// Load current config first.
	config.Load("")
	if err := config.ExportConfig(path); err != nil {
		fmt.Fprintf(os.Stderr, "error exporting config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config exported to %s\n", path)
}

func cmdConfigImport(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: switchyard config-import <file>")
		os.Exit(1)
	}
	if err := config.ImportConfig(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "error importing config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config imported from %s\n", args[0])
}
