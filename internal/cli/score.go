package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ppiankov/pob/internal/fixed"
	"github.com/ppiankov/pob/internal/model"
	"github.com/ppiankov/pob/internal/score"
)

var (
	scoreEnv           string
	scoreEnvTrust      string
	scoreSocial        string
	scoreSocialTrust   string
	scoreParticipation string
	scoreWeights       []string
	scoreJSON          bool
)

// scoreCmd represents the score command
var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Compute a composite benefit score from component values",
	Long: `Score computes composite = Σ weight × value × trust in fixed-point
decimal, exactly as the engine does for a claim. Participation trust is
always 1.0. Omitted components count as value 0 with trust 0.

Example:
  pob score --env 0.8 --env-trust 0.9 --social 0.6 --social-trust 0.85 --participation 0.7
  pob score --env 1 --env-trust 1 --weights 0.5,0.2,0.3 --json`,
	Args: cobra.NoArgs,
	RunE: runScore,
}

func init() {
	rootCmd.AddCommand(scoreCmd)

	scoreCmd.Flags().StringVar(&scoreEnv, "env", "", "environmental value in [0,1]")
	scoreCmd.Flags().StringVar(&scoreEnvTrust, "env-trust", "", "environmental attestation trust in [0,1]")
	scoreCmd.Flags().StringVar(&scoreSocial, "social", "", "social value in [0,1]")
	scoreCmd.Flags().StringVar(&scoreSocialTrust, "social-trust", "", "social attestation trust in [0,1]")
	scoreCmd.Flags().StringVar(&scoreParticipation, "participation", "", "participation value in [0,1]")
	scoreCmd.Flags().StringSliceVar(&scoreWeights, "weights", nil, "environmental,social,participation weights (default from config)")
	scoreCmd.Flags().BoolVar(&scoreJSON, "json", false, "print the score breakdown as JSON")
}

func runScore(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(viper.GetViper())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	in := score.Input{ClaimID: "cli", Weights: cfg.Weights}
	if len(scoreWeights) > 0 {
		if in.Weights, err = parseWeights(scoreWeights); err != nil {
			return err
		}
	}
	if in.Components.Environmental, err = component(scoreEnv, scoreEnvTrust); err != nil {
		return fmt.Errorf("environmental: %w", err)
	}
	if in.Components.Social, err = component(scoreSocial, scoreSocialTrust); err != nil {
		return fmt.Errorf("social: %w", err)
	}
	if in.Components.Participation, err = component(scoreParticipation, "1"); err != nil {
		return fmt.Errorf("participation: %w", err)
	}

	result, err := score.NewCalculator(nil).Calculate(in)
	if err != nil {
		return err
	}
	return printScore(os.Stdout, result, scoreJSON)
}

func parseWeights(raw []string) (model.Weights, error) {
	if len(raw) != 3 {
		return model.Weights{}, fmt.Errorf("%w: --weights needs 3 values, got %d", model.ErrInvalidWeights, len(raw))
	}
	var ps [3]fixed.Point
	for i, s := range raw {
		p, err := fixed.Parse(s)
		if err != nil {
			return model.Weights{}, fmt.Errorf("%w: %q: %v", model.ErrInvalidWeights, s, err)
		}
		ps[i] = p
	}
	w := model.Weights{Environmental: ps[0], Social: ps[1], Participation: ps[2]}
	return w, model.ValidateWeights(w)
}

// component parses a value/trust flag pair. An empty value means missing.
func component(value, trust string) (model.ComponentValue, error) {
	if value == "" {
		return model.ComponentValue{}, nil
	}
	v, err := fixed.Parse(value)
	if err != nil {
		return model.ComponentValue{}, fmt.Errorf("value %q: %w", value, err)
	}
	t := fixed.One
	if trust != "" {
		if t, err = fixed.Parse(trust); err != nil {
			return model.ComponentValue{}, fmt.Errorf("trust %q: %w", trust, err)
		}
	}
	return model.ComponentValue{Value: v, Trust: t, Present: true}, nil
}

func printScore(w io.Writer, s model.Score, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	fmt.Fprintf(w, "composite: %s\n", s.Composite)
	for _, sig := range s.Signals {
		fmt.Fprintf(w, "  %-14s %s\n", sig.Type, sig.Description)
	}
	return nil
}
