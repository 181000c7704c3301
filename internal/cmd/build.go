package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build <project-id>",
	Short: "Run the project's build command",
	Long: `Start the configured build command in the project's directory. The
command returns once the build is started; follow 'teamrun events tail'
for the result.`,
	Args: cobra.ExactArgs(1),
	RunE: runBuild,
}

var previewCmd = &cobra.Command{
	Use:   "preview <project-id>",
	Short: "Start or stop the project's preview server",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreview,
}

func init() {
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(previewCmd)
	previewCmd.Flags().Bool("stop", false, "stop the running preview")
}

func runBuild(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.Build(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Build started for %s\n", args[0])
	return nil
}

func runPreview(cmd *cobra.Command, args []string) error {
	stop, _ := cmd.Flags().GetBool("stop")
	c, err := newClient()
	if err != nil {
		return err
	}
	if stop {
		if err := c.StopPreview(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Preview stopped for %s\n", args[0])
		return nil
	}
	url, err := c.StartPreview(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Preview running at %s\n", titleStyle.Render(url))
	return nil
}
