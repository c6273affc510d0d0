package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vectra-tools/tags2groups/internal/config"
	"github.com/vectra-tools/tags2groups/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	flagPull        bool
	flagPush        bool
	flagPopTags     bool
	flagActive      bool
	flagFile        string
	flagVerifySSL   bool
	flagFingerprint string
	flagTimeout     time.Duration
	flagLogLevel    string
	flagLogFormat   string
)

var rootCmd = &cobra.Command{
	Use:   "tags2groups [brain-url] [api-token]",
	Short: "Assign hosts to groups based on tags",
	Long: `tags2groups creates and maintains host groups on a brain from tags already
attached to its hosts.

Run with --pull to generate a file with suggested tag to group mappings:
  tags2groups https://brain.local AAABBBCCCDDDEEEFFF --pull

Edit tags_groups.txt to adjust the tag to group mappings as desired, then run
with --push to create groups and assign the tagged hosts to them:
  tags2groups https://brain.local AAABBBCCCDDDEEEFFF --push`,
	Version:       Version,
	Args:          cobra.MaximumNArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tags2groups %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.Flags().BoolVar(&flagPull, "pull", false, "Poll for hosts with tags, write suggested mappings to the mapping file")
	rootCmd.Flags().BoolVar(&flagPush, "push", false, "Create or update groups from the mapping file")
	rootCmd.Flags().BoolVar(&flagPopTags, "poptag", false, "With --push, remove the tags used to identify each group from its hosts")
	rootCmd.Flags().BoolVar(&flagActive, "active", false, "Only consider hosts with active detections")
	rootCmd.Flags().StringVar(&flagFile, "file", "", "Mapping file path (default tags_groups.txt)")
	rootCmd.Flags().BoolVar(&flagVerifySSL, "verify-ssl", false, "Verify the brain's TLS certificate against the system CA pool")
	rootCmd.Flags().StringVar(&flagFingerprint, "fingerprint", "", "Pin the brain's TLS certificate to this SHA256 fingerprint")
	rootCmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "HTTP request timeout (default 60s)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&flagLogFormat, "log-format", "", "Log format: json, console, auto")

	rootCmd.AddCommand(versionCmd)
}

func run(cmd *cobra.Command, args []string) error {
	if flagPull && flagPush {
		return fmt.Errorf("--pull and --push are mutually exclusive")
	}
	if !flagPull && !flagPush {
		fmt.Fprintln(cmd.OutOrStdout(), "Specify --pull to pull tags from hosts, or --push to create groups and add hosts to groups.")
		return nil
	}

	var brainURL, apiToken string
	if len(args) > 0 {
		brainURL = args[0]
	}
	if len(args) > 1 {
		apiToken = args[1]
	}

	// baseline logger so anything emitted during config load is already
	// level-filtered and formatted
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "tags2groups",
	})

	cfg, err := config.Load(brainURL, apiToken)
	if err != nil {
		return err
	}
	cfg.Pull = flagPull
	cfg.Push = flagPush
	cfg.PopTags = flagPopTags
	cfg.ActiveOnly = flagActive
	if flagFile != "" {
		cfg.MappingFile = flagFile
	}
	if cmd.Flags().Changed("verify-ssl") {
		cfg.VerifySSL = flagVerifySSL
	}
	if flagFingerprint != "" {
		cfg.Fingerprint = flagFingerprint
	}
	if flagTimeout > 0 {
		cfg.Timeout = flagTimeout
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.LogFormat = flagLogFormat
	}

	// re-initialize with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "tags2groups",
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runSync(ctx, cfg, cmd.OutOrStdout())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
