package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loomchat/loom/pkg/config"
	"github.com/loomchat/loom/pkg/ollama"
)

func newOllamaClient() *ollama.Client {
	cfg := config.Get()
	return ollama.NewClientWithTimeout(cfg.Ollama.URL, cfg.Ollama.Timeout)
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List installed models",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newOllamaClient().Tags(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSIZE\tFAMILY\tPARAMETERS")
		for _, model := range resp.Models {
			fmt.Fprintf(w, "%s\t%.1f GB\t%s\t%s\n",
				model.Name,
				float64(model.Size)/(1<<30),
				model.Details.Family,
				model.Details.ParameterSize,
			)
		}
		return w.Flush()
	},
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List models currently loaded in memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newOllamaClient().Ps(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVRAM\tEXPIRES")
		for _, model := range resp.Models {
			fmt.Fprintf(w, "%s\t%.1f GB\t%s\n",
				model.Name,
				float64(model.SizeVram)/(1<<30),
				model.ExpiresAt.Format("15:04:05"),
			)
		}
		return w.Flush()
	},
}

var showCmd = &cobra.Command{
	Use:   "show <model>",
	Short: "Show details for one model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newOllamaClient().Show(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("family:        %s\n", resp.Details.Family)
		fmt.Printf("parameters:    %s\n", resp.Details.ParameterSize)
		fmt.Printf("quantization:  %s\n", resp.Details.QuantizationLevel)
		if resp.Template != "" {
			fmt.Printf("template:\n%s\n", resp.Template)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the server version",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newOllamaClient().Version(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(resp.Version)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check whether the server is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		status := newOllamaClient().CheckHealth(cmd.Context())
		if !status.Available {
			return fmt.Errorf("server unreachable: %w", status.Error)
		}
		fmt.Printf("ok, %d models installed\n", len(status.Models))
		return nil
	},
}

var embedModel string

var embedCmd = &cobra.Command{
	Use:   "embed <text>",
	Short: "Compute an embedding for a piece of text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newOllamaClient().Embed(cmd.Context(), ollama.EmbedRequest{
			Model: embedModel,
			Input: args[0],
		})
		if err != nil {
			return err
		}
		if len(resp.Embeddings) == 0 {
			return fmt.Errorf("server returned no embeddings")
		}
		fmt.Printf("%d dimensions: %v...\n", len(resp.Embeddings[0]), resp.Embeddings[0][:min(8, len(resp.Embeddings[0]))])
		return nil
	},
}

func init() {
	embedCmd.Flags().StringVar(&embedModel, "embed-model", "nomic-embed-text", "embedding model")

	rootCmd.AddCommand(modelsCmd, psCmd, showCmd, versionCmd, healthCmd, embedCmd)
}
