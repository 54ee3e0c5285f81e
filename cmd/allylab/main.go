package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"allylab/internal/app"
	"allylab/internal/config"
	allylabsdk "allylab/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "allylab",
	Short: "AllyLab accessibility scanner",
	Long: `AllyLab scans web pages for accessibility problems and streams what it finds as it goes.
- scan, stream and crawl run locally, or against a running server with --server.
- serve exposes the HTTP API with streaming endpoints and live subscriptions.
- history lists the scans recorded in the workspace database.
- config manages allylab.yml.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if level := viper.GetString("log-level"); level != "" {
			if _, err := config.ParseLevel(level); err != nil {
				return err
			}
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ALLYLAB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (defaults to <workspace>/allylab.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.Bool("no-history", false, "do not record scans")
	flags.String("server", "", "run against an AllyLab server at this URL")
	flags.String("token", "", "bearer token for --server")
	for _, name := range []string{"workspace", "config", "json", "log-level", "no-history", "server", "token"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(streamCmd())
	rootCmd.AddCommand(crawlCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

// loadConfig resolves allylab.yml and applies the flag and environment overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := app.LoadConfig(workspace, viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if viper.IsSet("workspace") {
		cfg.Storage.Workspace = workspace
	}
	if viper.GetBool("no-history") {
		cfg.Storage.Workspace = ""
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if secret := viper.GetString("jwt-secret"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// remoteClient returns the client for --server, or nil when commands run locally.
func remoteClient() *allylabsdk.Client {
	target := strings.TrimSpace(viper.GetString("server"))
	if target == "" {
		return nil
	}
	c := allylabsdk.New(target)
	c.BearerToken = viper.GetString("token")
	return c
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
