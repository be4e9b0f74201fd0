package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"seqclf/bilstm"
	"seqclf/embedding"
)

var (
	configFile string
	deviceName string
	poolingArg string
	labelsArg  string
	embedDim   int
	salt       string
	verbose    bool

	providerName string
	modelName    string
	modelsDir    string
	vocabArg     string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "seqclf",
		Short:         "Bidirectional LSTM sequence classifier",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	classify := &cobra.Command{
		Use:   "classify ROW [ROW...]",
		Short: "Print logits for comma separated token index rows",
		Example: `  seqclf classify 3,5,8 2,9
  seqclf classify -c hparams.yaml --labels pos,neg,neutral 4,4,1,7`,
		Args: cobra.MinimumNArgs(1),
		RunE: runClassify,
	}
	classify.Flags().StringVarP(&configFile, "config", "c", "", "hyperparameter YAML file (default: built-in defaults)")
	classify.Flags().StringVar(&deviceName, "device", "cpu", "device placement (cpu, cuda, cuda:N)")
	classify.Flags().StringVar(&poolingArg, "pooling", "last-valid", "pooled step (last-valid, last-padded)")
	classify.Flags().StringVar(&labelsArg, "labels", "positive,negative", "comma separated class labels")
	classify.Flags().IntVar(&embedDim, "dim", 16, "embedding width of the hash provider")
	classify.Flags().StringVar(&salt, "salt", "", "salt of the hash provider")
	classify.Flags().StringVar(&providerName, "provider", "hash", "embedding provider (hash, cybertron)")
	classify.Flags().StringVar(&modelName, "model", embedding.DefaultModel, "cybertron text encoder")
	classify.Flags().StringVar(&modelsDir, "models-dir", "./models", "cybertron model cache directory")
	classify.Flags().StringVar(&vocabArg, "vocab", "", "comma separated cybertron vocabulary, index 0 is padding")
	classify.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	defaults := &cobra.Command{
		Use:   "defaults",
		Short: "Print the default hyperparameters as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := bilstm.DefaultHyperparameters().YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	root.AddCommand(classify, defaults)
	return root
}

func newLogger() (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}

func runClassify(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	hp := bilstm.DefaultHyperparameters()
	if configFile != "" {
		if hp, err = bilstm.LoadHyperparameters(configFile); err != nil {
			return err
		}
	}
	device, err := bilstm.ParseDevice(deviceName)
	if err != nil {
		return err
	}
	pooling, err := bilstm.ParsePooling(poolingArg)
	if err != nil {
		return err
	}
	rows, err := parseRows(args)
	if err != nil {
		return err
	}

	provider, err := newProvider(cmd.Context(), device, logger)
	if err != nil {
		return err
	}

	model, err := bilstm.New(provider,
		bilstm.WithHyperparameters(hp),
		bilstm.WithDevice(device),
		bilstm.WithPooling(pooling),
		bilstm.WithLogger(logger))
	if err != nil {
		return err
	}

	logits, err := model.ForwardRows(rows)
	if err != nil {
		return err
	}
	predicted, err := model.LabelsOf(logits)
	if err != nil {
		return err
	}

	labels := model.Labels()
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader(append(append([]string{"row"}, labels...), "predicted"))
	data := logits.Data().([]float32)
	for i := range rows {
		line := []string{strconv.Itoa(i)}
		for c := range labels {
			line = append(line, strconv.FormatFloat(float64(data[i*len(labels)+c]), 'f', 4, 32))
		}
		table.Append(append(line, predicted[i]))
	}
	table.Render()
	return nil
}

func newProvider(ctx context.Context, device bilstm.Device, logger *zap.Logger) (bilstm.EmbeddingProvider, error) {
	labels := embedding.Labels(strings.Split(labelsArg, ",")...)
	switch providerName {
	case "hash":
		h := embedding.NewHash(embedDim, labels).OnDevice(device)
		h.Salt = salt
		return h, nil
	case "cybertron":
		if ctx == nil {
			ctx = context.Background()
		}
		var vocab []string
		if vocabArg != "" {
			vocab = strings.Split(vocabArg, ",")
		}
		c, err := embedding.NewCybertron(ctx, embedding.CybertronConfig{
			ModelsDir: modelsDir,
			ModelName: modelName,
			Vocab:     vocab,
			Labels:    labels,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return c.OnDevice(device), nil
	}
	return nil, errors.Wrapf(bilstm.ErrConfig, "unknown provider %q", providerName)
}

// parseRows reads "3,5,8" style arguments.
func parseRows(args []string) ([][]int, error) {
	rows := make([][]int, len(args))
	for i, arg := range args {
		for _, f := range strings.Split(arg, ",") {
			v, err := strconv.Atoi(strings.TrimSpace(f))
			if err != nil {
				return nil, errors.Wrapf(err, "row %d", i)
			}
			rows[i] = append(rows[i], v)
		}
	}
	return rows, nil
}
