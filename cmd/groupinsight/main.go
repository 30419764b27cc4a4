package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/groupinsight/internal/config"
	"github.com/stellarlinkco/groupinsight/internal/gateway"
	"github.com/stellarlinkco/groupinsight/internal/logger"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	envFile    string
	addr       string
	jsonOut    bool

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "groupinsight",
		Short:         "groupinsight - chat history capture, personas and group reports",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ~/.groupinsight/config.json)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")
	root.PersistentFlags().StringVar(&opts.addr, "addr", "", "gateway API address (default from config)")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print raw JSON")

	root.AddCommand(
		newGatewayCmd(opts),
		newOnboardCmd(opts),
		newStatusCmd(opts),
		newHistoryCmd(opts),
		newRecentCmd(opts),
		newPersonaCmd(opts),
		newRulesCmd(opts),
		newAnalyzeCmd(opts),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// load reads the dotenv file and config, then installs the logger.
func (o *rootOptions) load() error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", o.envFile, err)
		}
	}
	if o.configPath == "" {
		o.configPath = config.ConfigPath()
	}
	cfg, err := config.LoadConfigFrom(o.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	o.cfg = cfg
	logger.New(cfg.Log.Level, cfg.Log.Pretty)
	return nil
}

func (o *rootOptions) client() *apiClient {
	addr := o.addr
	if addr == "" {
		addr = net.JoinHostPort(o.cfg.Gateway.Host, strconv.Itoa(o.cfg.Gateway.Port))
	}
	return newAPIClient("http://" + addr)
}

func newGatewayCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (channels, capture, personas, API)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.Provider.APIKey == "" {
				log.Warn().Str("component", "cli").Msg("API key not set; set GROUPINSIGHT_API_KEY or ANTHROPIC_API_KEY to enable analysis")
			}
			gw, err := gateway.NewWithOptions(opts.cfg, gateway.Options{ConfigPath: opts.configPath})
			if err != nil {
				return fmt.Errorf("create gateway: %w", err)
			}
			return gw.Run(context.Background())
		},
	}
}

func newOnboardCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if _, err := os.Stat(opts.configPath); err == nil {
				fmt.Fprintf(out, "Config already exists: %s\n", opts.configPath)
				return nil
			}
			if err := config.SaveConfigTo(opts.configPath, config.DefaultConfig()); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(out, "Created config: %s\n", opts.configPath)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintf(out, "  1. Edit %s to enable a channel and set your API key\n", opts.configPath)
			fmt.Fprintln(out, "  2. Or set GROUPINSIGHT_API_KEY in the environment or a .env file")
			fmt.Fprintln(out, "  3. Run 'groupinsight gateway'")
			return nil
		},
	}
}
