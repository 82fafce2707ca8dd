// Package commands implements the trainkit subcommands.
package commands

import (
	"encoding/json"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/openeeap/trainkit/internal/app"
	"github.com/openeeap/trainkit/pkg/config"
	"github.com/openeeap/trainkit/pkg/errors"
)

// Output formats
const (
	OutputTable = "table"
	OutputJSON  = "json"
	OutputYAML  = "yaml"
)

// Runtime is filled in by the root command before a subcommand runs
type Runtime struct {
	Loader    *config.Loader
	Container *app.Container
	Output    string
}

// container returns the built container or an error when the root
// command did not build one
func (r *Runtime) container() (*app.Container, error) {
	if r.Container == nil {
		return nil, errors.New(errors.CodeInternalError, "configuration was not loaded")
	}
	return r.Container, nil
}

// Print renders v in the selected format; table renders the table form
func (r *Runtime) Print(w io.Writer, v interface{}, table func(tw *tabwriter.Writer)) error {
	switch r.Output {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case OutputYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	case OutputTable, "":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	default:
		return errors.Newf(errors.CodeInvalidArgument, "unsupported output format %q (table, json, yaml)", r.Output)
	}
}

// datasetArg returns the optional dataset URI argument
func datasetArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
