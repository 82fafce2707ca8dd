package dto

import (
	"github.com/openeeap/trainkit/pkg/errors"
)

// VersionResponse describes the build
type VersionResponse struct {
	Version   string `json:"version" yaml:"version"`
	GitCommit string `json:"git_commit" yaml:"git_commit"`
	BuildTime string `json:"build_time" yaml:"build_time"`
	GoVersion string `json:"go_version" yaml:"go_version"`
}

// Issue is one problem found while processing a dataset
type Issue struct {
	Index   int    `json:"index" yaml:"index"`
	ID      string `json:"id,omitempty" yaml:"id,omitempty"`
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
}

// NewIssue classifies err by its error code
func NewIssue(index int, id string, err error) Issue {
	return Issue{
		Index:   index,
		ID:      id,
		Code:    errors.GetCode(err),
		Message: err.Error(),
	}
}
