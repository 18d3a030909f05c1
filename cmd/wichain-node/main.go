// Package main provides an interactive command-line wichain node.
//
// It loads options from an optional YAML file, applies command-line
// overrides, starts the node and reads commands from standard input until
// /quit or an interrupt.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wichain"
)

// CLIConfig holds the command-line flags. Empty values keep the option
// loaded from the config file.
type CLIConfig struct {
	configPath string
	dataDir    string
	port       int
	alias      string
	targets    string
	protocol   string
	passphrase string
	logLevel   string
	help       bool
}

func parseCLIFlags() *CLIConfig {
	config := &CLIConfig{}
	flag.StringVar(&config.configPath, "config", "wichain.yaml", "Path to YAML config file (optional)")
	flag.StringVar(&config.dataDir, "data", "", "Data directory for identity, ledger and peer cache")
	flag.IntVar(&config.port, "port", -1, "Discovery UDP port (0 = ephemeral)")
	flag.StringVar(&config.alias, "alias", "", "Alias for a newly created identity")
	flag.StringVar(&config.targets, "targets", "", "Comma separated discovery targets host:port")
	flag.StringVar(&config.protocol, "protocol", "", "Stream protocol: tcp or quic")
	flag.StringVar(&config.passphrase, "passphrase", "", "Encrypt the identity at rest with this passphrase")
	flag.StringVar(&config.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&config.help, "help", false, "Show help message")
	flag.Parse()
	return config
}

func printUsage() {
	fmt.Println("wichain node")
	fmt.Println("============")
	fmt.Println()
	fmt.Println("Serverless LAN chat: peers are found by broadcast, messages are signed,")
	fmt.Println("encrypted and logged in a local hash chain.")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  # Two nodes on one machine\n")
	fmt.Printf("  %s -data ./a -port 61000 -targets 127.0.0.1:61000,127.0.0.1:61001\n", os.Args[0])
	fmt.Printf("  %s -data ./b -port 61001 -targets 127.0.0.1:61000,127.0.0.1:61001\n", os.Args[0])
}

// buildOptions loads the config file and applies flag overrides.
func buildOptions(cli *CLIConfig) (*wichain.Options, error) {
	opts, err := wichain.LoadOptions(cli.configPath)
	if err != nil {
		return nil, err
	}
	if cli.dataDir != "" {
		opts.DataDir = cli.dataDir
	}
	if cli.port >= 0 {
		opts.DiscoveryPort = cli.port
	}
	if cli.alias != "" {
		opts.DefaultAlias = cli.alias
	}
	if cli.targets != "" {
		opts.DiscoveryTargets = nil
		for _, t := range strings.Split(cli.targets, ",") {
			if t = strings.TrimSpace(t); t != "" {
				opts.DiscoveryTargets = append(opts.DiscoveryTargets, t)
			}
		}
	}
	if cli.protocol != "" {
		opts.StreamProtocol = strings.ToLower(cli.protocol)
	}
	if cli.passphrase != "" {
		opts.IdentityPassphrase = cli.passphrase
	}
	if cli.logLevel != "" {
		opts.LogLevel = cli.logLevel
	}
	return opts, opts.Validate()
}

func setupLogging(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)
	return nil
}

func main() {
	cli := parseCLIFlags()
	if cli.help {
		printUsage()
		os.Exit(0)
	}

	opts, err := buildOptions(cli)
	if err != nil {
		color.Red("Configuration error: %v", err)
		fmt.Fprintln(os.Stderr, "Use -help for usage information.")
		os.Exit(1)
	}
	if err := setupLogging(opts.LogLevel); err != nil {
		color.Red("Invalid log level: %v", err)
		os.Exit(1)
	}

	console := newConsole(os.Stdin, os.Stdout)
	opts.Observer = console

	node, err := wichain.New(opts)
	if err != nil {
		color.Red("Failed to create node: %v", err)
		os.Exit(1)
	}
	console.node = node
	if err := node.LedgerErr(); err != nil {
		color.Red("Ledger failed validation: %v", err)
		color.Yellow("History and sending are disabled until /reset")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		color.Red("Failed to start node: %v", err)
		_ = node.Close()
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	console.banner()
	console.run(ctx)

	if err := node.Close(); err != nil {
		color.Red("Shutdown error: %v", err)
		os.Exit(1)
	}
}
