package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/MrCodeEU/smilecal/pkg/config"
	"github.com/MrCodeEU/smilecal/pkg/logging"
)

const version = "0.1.0"

// Command represents a CLI command.
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(args []string) error
}

var (
	cfg      *config.Config
	commands map[string]*Command
)

// commandOrder is the order commands are listed in the usage text.
var commandOrder = []string{
	"calibrate", "run", "baseline", "reset", "list", "cameras",
	"config", "download-models", "version", "help",
}

func init() {
	commands = map[string]*Command{
		"calibrate": {
			Name:        "calibrate",
			Description: "Record a neutral mouth baseline and store it",
			Usage:       "smilecal calibrate [-key name]",
			Run:         cmdCalibrate,
		},
		"run": {
			Name:        "run",
			Description: "Classify smiles on the live frame stream",
			Usage:       "smilecal run [-key name] [-calibrate] [-listen addr]",
			Run:         cmdRun,
		},
		"baseline": {
			Name:        "baseline",
			Description: "Show a stored baseline",
			Usage:       "smilecal baseline [name]",
			Run:         cmdBaseline,
		},
		"reset": {
			Name:        "reset",
			Description: "Delete a stored baseline",
			Usage:       "smilecal reset [name]",
			Run:         cmdReset,
		},
		"list": {
			Name:        "list",
			Description: "List all stored baselines",
			Usage:       "smilecal list",
			Run:         cmdList,
		},
		"cameras": {
			Name:        "cameras",
			Description: "List video capture devices",
			Usage:       "smilecal cameras",
			Run:         cmdCameras,
		},
		"config": {
			Name:        "config",
			Description: "Show current configuration",
			Usage:       "smilecal config",
			Run:         cmdConfig,
		},
		"download-models": {
			Name:        "download-models",
			Description: "Download the detection and landmark models",
			Usage:       "smilecal download-models [dir]",
			Run:         cmdDownloadModels,
		},
		"version": {
			Name:        "version",
			Description: "Show version information",
			Usage:       "smilecal version",
			Run:         cmdVersion,
		},
		"help": {
			Name:        "help",
			Description: "Show help information",
			Usage:       "smilecal help [command]",
			Run:         cmdHelp,
		},
	}
}

func main() {
	// Parse global flags
	configFile := flag.String("config", "", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Get remaining args after flags
	args := flag.Args()

	// Load configuration
	var err error
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultConfig()
	}

	// Expand paths in config
	cfg.ExpandPaths()

	// Initialize logging
	logLevel := cfg.Logging.Level
	if *debug {
		logLevel = "debug"
	}
	if err := logging.Init(logLevel, cfg.Logging.File, cfg.Logging.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}

	logging.Debugf("SmileCal v%s starting", version)
	logging.Debugf("Config loaded, storage dir: %s", cfg.Storage.DataDir)

	// Show usage if no command provided
	if len(args) < 1 {
		printUsage()
		os.Exit(0)
	}

	// Find and run command
	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmdName)
		printUsage()
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil && cmdName != "config" && cmdName != "help" && cmdName != "version" {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Run the command
	if err := cmd.Run(args[1:]); err != nil {
		logging.WithError(err).Errorf("Command '%s' failed", cmdName)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("SmileCal - Calibrated smile detection from a camera stream")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Usage: smilecal [options] <command> [arguments]")
	fmt.Println("\nOptions:")
	fmt.Println("  -config <file>   Path to configuration file")
	fmt.Println("  -debug           Enable debug logging")
	fmt.Println("\nCommands:")
	for _, name := range commandOrder {
		cmd := commands[name]
		fmt.Printf("  %-16s %s\n", cmd.Name, cmd.Description)
	}
	fmt.Println("\nExamples:")
	fmt.Println("  smilecal download-models          # Fetch cascades and models")
	fmt.Println("  smilecal calibrate                # Hold a neutral face for 3 seconds")
	fmt.Println("  smilecal run -listen :8090        # Classify and publish on ws://host:8090/ws")
	fmt.Println("\nRun 'smilecal help <command>' for more information on a command.")
}

func cmdVersion(args []string) error {
	fmt.Printf("SmileCal v%s\n", version)
	fmt.Println("Calibrated smile detection from a camera stream")
	return nil
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		return fmt.Errorf("unknown command: %s", cmdName)
	}

	fmt.Printf("Command: %s\n", cmd.Name)
	fmt.Printf("Description: %s\n", cmd.Description)
	fmt.Printf("Usage: %s\n", cmd.Usage)

	// Add specific help for each command
	switch cmdName {
	case "calibrate":
		fmt.Println("\nCalibration Process:")
		fmt.Println("  1. Face the camera with a relaxed, neutral mouth")
		fmt.Println("  2. Mouth width is sampled until the burst is full")
		fmt.Println("  3. The averaged baseline is stored under the given key")
	case "run":
		fmt.Println("\nA frame is classified as smiling when its mouth width exceeds")
		fmt.Printf("the baseline by the configured threshold (default x%.2f).\n", config.DefaultConfig().Classification.Threshold)
		fmt.Println("With -listen, events are published to websocket clients as JSON.")
	case "config":
		fmt.Println("\nConfiguration Locations:")
		fmt.Println("  System: /etc/smilecal/smilecal.yaml")
		fmt.Println("  User:   ~/.config/smilecal/smilecal.yaml")
		fmt.Println("\nUse -config flag to specify a custom config file.")
	}

	return nil
}
