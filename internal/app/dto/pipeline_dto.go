package dto

// FormattedText is one rendered training text
type FormattedText struct {
	ID    string `json:"id" yaml:"id"`
	Shape string `json:"shape" yaml:"shape"`
	Text  string `json:"text" yaml:"text"`
}

// FormatResponse is the output of the format command
type FormatResponse struct {
	Records int             `json:"records" yaml:"records"`
	Texts   []FormattedText `json:"texts" yaml:"texts"`
}

// PackResponse summarizes a packing pass
type PackResponse struct {
	Sequences     int    `json:"sequences" yaml:"sequences"`
	BlockLength   int    `json:"block_length" yaml:"block_length"`
	Leftover      string `json:"leftover" yaml:"leftover"`
	Blocks        int    `json:"blocks" yaml:"blocks"`
	TokensIn      int    `json:"tokens_in" yaml:"tokens_in"`
	TokensEmitted int    `json:"tokens_emitted" yaml:"tokens_emitted"`
	TokensDropped int    `json:"tokens_dropped" yaml:"tokens_dropped"`
	TokensPadded  int    `json:"tokens_padded" yaml:"tokens_padded"`
}

// ValidateResponse reports sequences whose response marker is missing
type ValidateResponse struct {
	Records           int     `json:"records" yaml:"records"`
	Sequences         int     `json:"sequences" yaml:"sequences"`
	ResponseMarker    []int   `json:"response_marker" yaml:"response_marker"`
	InstructionMarker []int   `json:"instruction_marker,omitempty" yaml:"instruction_marker,omitempty"`
	TrainableTokens   int     `json:"trainable_tokens" yaml:"trainable_tokens"`
	Issues            []Issue `json:"issues,omitempty" yaml:"issues,omitempty"`
}

// Valid reports whether every sequence matched
func (r *ValidateResponse) Valid() bool {
	return len(r.Issues) == 0
}

// PairInput holds the four sequence log-probabilities of a pair
type PairInput struct {
	PolicyChosen   float64 `json:"policy_chosen" yaml:"policy_chosen"`
	PolicyRejected float64 `json:"policy_rejected" yaml:"policy_rejected"`
	RefChosen      float64 `json:"ref_chosen" yaml:"ref_chosen"`
	RefRejected    float64 `json:"ref_rejected" yaml:"ref_rejected"`
}

// PairLoss is the loss and implicit rewards of one pair
type PairLoss struct {
	Loss           float64 `json:"loss" yaml:"loss"`
	ChosenReward   float64 `json:"chosen_reward" yaml:"chosen_reward"`
	RejectedReward float64 `json:"rejected_reward" yaml:"rejected_reward"`
	Correct        bool    `json:"correct" yaml:"correct"`
}

// LossResponse is the output of the loss command
type LossResponse struct {
	Type       string     `json:"type" yaml:"type"`
	Beta       float64    `json:"beta" yaml:"beta"`
	Loss       float64    `json:"loss" yaml:"loss"`
	Accuracy   float64    `json:"accuracy" yaml:"accuracy"`
	MeanMargin float64    `json:"mean_margin" yaml:"mean_margin"`
	Pairs      []PairLoss `json:"pairs" yaml:"pairs"`
}
