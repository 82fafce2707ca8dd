package errors

// Error codes shared across trainkit
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeInvalidConfig   = "INVALID_CONFIG"
	CodeInternalError   = "INTERNAL_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeCancelled       = "CANCELLED"

	// Dataset
	CodeMissingField    = "MISSING_FIELD"
	CodeUnknownShape    = "UNKNOWN_SHAPE"
	CodeMalformedRecord = "MALFORMED_RECORD"

	// Tokenization / masking
	CodeMarkerNotFound        = "MARKER_NOT_FOUND"
	CodeMarkerContextMismatch = "MARKER_CONTEXT_MISMATCH"
	CodeVocabMismatch         = "VOCAB_MISMATCH"
	CodeTokenizerError        = "TOKENIZER_ERROR"

	// Model runtime
	CodeModelError = "MODEL_ERROR"

	// Infrastructure
	CodeStorageError = "STORAGE_ERROR"
	CodeCacheError   = "CACHE_ERROR"
	CodeEventError   = "EVENT_ERROR"
)

// typeOf maps an error code onto its category
func typeOf(code string) ErrorType {
	switch code {
	case CodeInvalidArgument, CodeMissingField, CodeUnknownShape, CodeMalformedRecord,
		CodeMarkerNotFound, CodeMarkerContextMismatch, CodeVocabMismatch:
		return ErrorTypeValidation
	case CodeInvalidConfig:
		return ErrorTypeConfiguration
	case CodeNotFound:
		return ErrorTypeNotFound
	case CodeStorageError, CodeCacheError, CodeEventError, CodeModelError, CodeTokenizerError:
		return ErrorTypeInfrastructure
	case CodeCancelled:
		return ErrorTypeCancelled
	default:
		return ErrorTypeInternal
	}
}
