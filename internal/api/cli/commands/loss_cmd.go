package commands

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openeeap/trainkit/internal/app/dto"
	"github.com/openeeap/trainkit/internal/app/service"
	"github.com/openeeap/trainkit/pkg/errors"
)

// NewLossCmd evaluates the configured preference loss on given log-probs
func NewLossCmd(rt *Runtime) *cobra.Command {
	var (
		pairs    []string
		lossType string
		beta     float64
	)

	cmd := &cobra.Command{
		Use:   "loss",
		Short: "Compute the preference loss of log-probability pairs",
		Long: `Compute the preference loss and implicit rewards of one or more pairs.
Each --pair is "policy_chosen,policy_rejected,ref_chosen,ref_rejected".`,
		Example: `  # Sigmoid loss of one pair
  trainkit loss --pair=-0.5,-1,-1,-1

  # IPO loss with beta 0.5
  trainkit loss --type ipo --beta 0.5 --pair=-2,-3,-2.5,-2.5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rt.container()
			if err != nil {
				return err
			}
			if len(pairs) == 0 {
				return errors.New(errors.CodeInvalidArgument, "at least one --pair is required")
			}
			in := make([]dto.PairInput, len(pairs))
			for i, raw := range pairs {
				if in[i], err = parsePair(raw); err != nil {
					return err
				}
			}

			if cmd.Flags().Changed("type") {
				c.Config.Preference.LossType = lossType
			}
			if cmd.Flags().Changed("beta") {
				c.Config.Preference.Beta = beta
			}
			if err := c.Config.Validate(); err != nil {
				return err
			}

			resp, err := service.NewPreferenceService(c).ComputeLoss(in)
			if err != nil {
				return err
			}
			return rt.Print(cmd.OutOrStdout(), resp, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "PAIR\tLOSS\tCHOSEN REWARD\tREJECTED REWARD\tCORRECT")
				for i, p := range resp.Pairs {
					fmt.Fprintf(tw, "%d\t%.6f\t%.6f\t%.6f\t%t\n", i, p.Loss, p.ChosenReward, p.RejectedReward, p.Correct)
				}
				fmt.Fprintln(tw)
				fmt.Fprintln(tw, "TYPE\tBETA\tLOSS\tACCURACY\tMEAN MARGIN")
				fmt.Fprintf(tw, "%s\t%g\t%.6f\t%.4f\t%.6f\n", resp.Type, resp.Beta, resp.Loss, resp.Accuracy, resp.MeanMargin)
			})
		},
	}

	cmd.Flags().StringArrayVarP(&pairs, "pair", "p", nil, "Log-probabilities policy_chosen,policy_rejected,ref_chosen,ref_rejected (repeatable)")
	cmd.Flags().StringVar(&lossType, "type", "", "Override preference.loss_type (sigmoid, hinge, ipo, conservative)")
	cmd.Flags().Float64Var(&beta, "beta", 0, "Override preference.beta")
	return cmd
}

func parsePair(raw string) (dto.PairInput, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return dto.PairInput{}, errors.Newf(errors.CodeInvalidArgument, "pair %q needs 4 comma-separated values, got %d", raw, len(parts))
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return dto.PairInput{}, errors.Wrapf(err, errors.CodeInvalidArgument, "pair %q: invalid value %q", raw, p)
		}
		v[i] = f
	}
	return dto.PairInput{PolicyChosen: v[0], PolicyRejected: v[1], RefChosen: v[2], RefRejected: v[3]}, nil
}
