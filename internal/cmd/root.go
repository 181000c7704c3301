package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Iron-Ham/teamrun/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "teamrun",
	Short: "Budgeted multi-agent session server",
	Long: `Teamrun runs teams of AI agents against a project workspace. Each team
has a spend budget, every agent turn is admitted through a budget ledger,
proposed file edits are reconciled against the workspace, and progress is
streamed to clients in real time.

Run 'teamrun serve' to start the server, then use the other commands to
manage teams and sessions through it.`,
	SilenceUsage: true,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/teamrun/config.yaml)")
	rootCmd.PersistentFlags().String("server", "", "server URL for client commands (default from server.url)")
	rootCmd.PersistentFlags().String("token", "", "bearer token for client commands (default from server.auth_token)")
	rootCmd.PersistentFlags().String("user", "", "user id sent for rate accounting")
	rootCmd.PersistentFlags().Bool("json", false, "print JSON instead of text")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("server.url", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("server.auth_token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("client.user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("output.json", rootCmd.PersistentFlags().Lookup("json"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/teamrun")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("TEAMRUN")
	// Replace dots with underscores for nested keys in env vars
	// e.g., TEAMRUN_SERVER_AUTH_TOKEN for server.auth_token
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
