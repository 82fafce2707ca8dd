package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openeeap/trainkit/internal/app/dto"
	"github.com/openeeap/trainkit/internal/app/service"
	"github.com/openeeap/trainkit/pkg/errors"
	"github.com/openeeap/trainkit/pkg/utils"
)

// NewFormatCmd renders dataset records through the configured templates
func NewFormatCmd(rt *Runtime) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "format [dataset]",
		Short: "Render dataset records as training text",
		Long:  `Render records through the instruction and chat templates. The dataset defaults to dataset.path.`,
		Example: `  # Show the first five formatted records
  trainkit format data/train.jsonl --limit 5`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rt.container()
			if err != nil {
				return err
			}
			resp, err := service.NewDataService(c).Format(cmd.Context(), datasetArg(args), limit)
			if err != nil {
				return err
			}
			return rt.Print(cmd.OutOrStdout(), resp, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "ID\tSHAPE\tTEXT")
				for _, t := range resp.Texts {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ID, t.Shape, utils.Truncate(utils.OneLine(t.Text), 80))
				}
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum records to render (0 for all)")
	return cmd
}

// NewPackCmd reports how the dataset packs into fixed-length blocks
func NewPackCmd(rt *Runtime) *cobra.Command {
	var blockLength int

	cmd := &cobra.Command{
		Use:   "pack [dataset]",
		Short: "Pack the dataset into fixed-length blocks",
		Example: `  # Report packing statistics for 2048-token blocks
  trainkit pack data/train.jsonl --block-length 2048`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rt.container()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("block-length") {
				if blockLength <= 0 {
					return errors.Newf(errors.CodeInvalidArgument, "block length must be positive, got %d", blockLength)
				}
				c.Config.Packing.BlockLength = blockLength
			}
			resp, err := service.NewDataService(c).Pack(cmd.Context(), datasetArg(args))
			if err != nil {
				return err
			}
			return rt.Print(cmd.OutOrStdout(), resp, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "SEQUENCES\tBLOCK LENGTH\tLEFTOVER\tBLOCKS\tTOKENS IN\tEMITTED\tDROPPED\tPADDED")
				fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%d\t%d\t%d\t%d\n",
					resp.Sequences, resp.BlockLength, resp.Leftover, resp.Blocks,
					resp.TokensIn, resp.TokensEmitted, resp.TokensDropped, resp.TokensPadded)
			})
		},
	}

	cmd.Flags().IntVar(&blockLength, "block-length", 0, "Override packing.block_length")
	return cmd
}

// NewValidateCmd checks every sequence for its response marker. It fails
// when any sequence has none.
func NewValidateCmd(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [dataset]",
		Short: "Check that every record contains the response marker",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rt.container()
			if err != nil {
				return err
			}
			resp, err := service.NewDataService(c).Validate(cmd.Context(), datasetArg(args))
			if err != nil {
				return err
			}
			if err := rt.Print(cmd.OutOrStdout(), resp, func(tw *tabwriter.Writer) { validateTable(tw, resp) }); err != nil {
				return err
			}
			if !resp.Valid() {
				return errors.Newf(errors.CodeMarkerNotFound, "%d of %d sequences have no response marker", len(resp.Issues), resp.Sequences)
			}
			return nil
		},
	}
	return cmd
}

func validateTable(tw *tabwriter.Writer, resp *dto.ValidateResponse) {
	fmt.Fprintln(tw, "RECORDS\tSEQUENCES\tRESPONSE MARKER\tTRAINABLE TOKENS\tISSUES")
	fmt.Fprintf(tw, "%d\t%d\t%v\t%d\t%d\n", resp.Records, resp.Sequences, resp.ResponseMarker, resp.TrainableTokens, len(resp.Issues))
	if len(resp.Issues) == 0 {
		return
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "INDEX\tID\tCODE\tMESSAGE")
	for _, issue := range resp.Issues {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", issue.Index, issue.ID, issue.Code, issue.Message)
	}
}

