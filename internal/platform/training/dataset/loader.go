package dataset

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/openeeap/trainkit/internal/infrastructure/storage"
	"github.com/openeeap/trainkit/internal/observability/logging"
	"github.com/openeeap/trainkit/internal/observability/metrics"
	"github.com/openeeap/trainkit/pkg/errors"
	"github.com/openeeap/trainkit/pkg/types"
)

// maxLineBytes bounds a single JSONL line
const maxLineBytes = 64 << 20

// Source opens a dataset URI for reading
type Source interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// FileSource reads plain paths and file:// URIs
type FileSource struct{}

// Open opens the file
func (FileSource) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	path := strings.TrimPrefix(uri, "file://")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, errors.CodeNotFound, "dataset %s not found", path)
		}
		return nil, errors.Wrapf(err, errors.CodeStorageError, "failed to open dataset %s", path)
	}
	return f, nil
}

// ObjectSource reads s3://bucket/key URIs from object storage
type ObjectSource struct {
	Store storage.ObjectStore
}

// Open fetches the object
func (s ObjectSource) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := ParseObjectURI(uri)
	if err != nil {
		return nil, err
	}
	return s.Store.GetObject(ctx, &storage.GetObjectRequest{Bucket: bucket, Key: key})
}

// ParseObjectURI splits s3://bucket/key
func ParseObjectURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", errors.Newf(errors.CodeInvalidArgument, "not an object URI: %s", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", errors.Newf(errors.CodeInvalidArgument, "object URI %s needs a bucket and a key", uri)
	}
	return bucket, key, nil
}

// MuxSource dispatches by URI scheme
type MuxSource struct {
	Local  Source
	Object Source
}

// Open routes s3:// to Object and everything else to Local
func (m MuxSource) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if strings.HasPrefix(uri, "s3://") {
		if m.Object == nil {
			return nil, errors.Newf(errors.CodeInvalidConfig, "no object storage configured for %s", uri)
		}
		return m.Object.Open(ctx, uri)
	}
	if m.Local == nil {
		return FileSource{}.Open(ctx, uri)
	}
	return m.Local.Open(ctx, uri)
}

// ============================================================================
// Loader
// ============================================================================

// Loader reads JSONL datasets into records
type Loader struct {
	source  Source
	fields  FieldMap
	shape   types.RecordShape
	logger  logging.Logger
	metrics *metrics.MetricsCollector
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithFieldMap sets the field mapping
func WithFieldMap(fields FieldMap) LoaderOption {
	return func(l *Loader) { l.fields = fields }
}

// WithShape forces every record to one shape
func WithShape(shape types.RecordShape) LoaderOption {
	return func(l *Loader) { l.shape = shape }
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// WithMetrics records loaded and rejected counts
func WithMetrics(m *metrics.MetricsCollector) LoaderOption {
	return func(l *Loader) { l.metrics = m }
}

// NewLoader creates a loader over source
func NewLoader(source Source, opts ...LoaderOption) *Loader {
	l := &Loader{
		source: source,
		fields: DefaultFieldMap(),
		logger: logging.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.source == nil {
		l.source = FileSource{}
	}
	return l
}

// Load reads every record under uri
func (l *Loader) Load(ctx context.Context, uri string) ([]Record, error) {
	rc, err := l.source.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	records, err := l.Read(ctx, rc)
	if err != nil {
		return nil, err
	}

	l.logger.WithContext(ctx).Info("dataset loaded",
		logging.String("uri", uri),
		logging.Int("records", len(records)),
	)
	return records, nil
}

// Read parses JSONL from r. Blank lines are skipped. All record errors are
// collected and returned together; any error fails the whole read.
func (l *Loader) Read(ctx context.Context, r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		records []Record
		errs    []error
		lineNo  int
	)
	for scanner.Scan() {
		lineNo++
		if lineNo%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errors.Wrap(err, errors.CodeCancelled, "dataset read cancelled")
			}
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		rec, err := ParseRecordAs(line, strconv.Itoa(lineNo), l.fields, l.shape)
		if err != nil {
			errs = append(errs, err)
			l.countRejected(err)
			continue
		}
		records = append(records, rec)
		l.countLoaded(rec.Shape)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageError, "failed to read dataset")
	}

	if len(errs) > 0 {
		return nil, errors.Newf(errors.CodeMalformedRecord, "%d of %d records are invalid", len(errs), len(errs)+len(records)).
			WithDetails("invalid", len(errs)).
			WithCause(errors.Join(errs...))
	}
	return records, nil
}

func (l *Loader) countLoaded(shape types.RecordShape) {
	if l.metrics != nil {
		l.metrics.IncrementCounter("records_loaded_total", map[string]string{"shape": shape.String()})
	}
}

func (l *Loader) countRejected(err error) {
	if l.metrics != nil {
		l.metrics.IncrementCounter("records_rejected_total", map[string]string{"code": errors.GetCode(err)})
	}
}
