// Package output persists step outputs. Small outputs stay inline in the
// execution aggregate; larger ones are written to a blob bucket and
// referenced by an OutputPath.
package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/gantryio/gantry/pkg/api"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

type (
	// Store decides between inline and external persistence for step
	// outputs and rehydrates external ones on demand
	Store struct {
		bucket    *blob.Bucket
		prefix    string
		inlineMax int
	}

	// Stored is the persistence decision for one output: either Inline is
	// set, or Ref points at the blob holding it
	Stored struct {
		Inline api.Args
		Ref    api.OutputPath
	}
)

var (
	ErrOutputNotFound = errors.New("stored output not found")
	ErrNoBucket       = errors.New("no output bucket configured")
)

// New opens the bucket behind url. An empty url configures inline-only
// storage; outputs above the inline threshold are then rejected.
func New(ctx context.Context, url, prefix string, inlineMax int) (*Store, error) {
	s := &Store{prefix: prefix, inlineMax: inlineMax}
	if url == "" {
		return s, nil
	}
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, err
	}
	s.bucket = bucket
	return s, nil
}

// Put persists a step output, returning where it landed. Outputs at or
// below the inline threshold are returned as-is for embedding in the
// aggregate.
func (s *Store) Put(
	ctx context.Context, es api.ExecutionStep, out api.Args,
) (*Stored, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	if len(data) <= s.inlineMax {
		return &Stored{Inline: out}, nil
	}
	if s.bucket == nil {
		return nil, fmt.Errorf("%w: output is %d bytes", ErrNoBucket, len(data))
	}

	key := s.keyFor(es)
	if err := s.bucket.WriteAll(ctx, key, data, nil); err != nil {
		return nil, err
	}
	return &Stored{Ref: api.OutputPath(key)}, nil
}

// Get rehydrates an externally stored output
func (s *Store) Get(ctx context.Context, ref api.OutputPath) (api.Args, error) {
	if s.bucket == nil {
		return nil, ErrNoBucket
	}
	data, err := s.bucket.ReadAll(ctx, string(ref))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrOutputNotFound, ref)
		}
		return nil, err
	}

	var out api.Args
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Resolve returns a step's output regardless of where it was persisted
func (s *Store) Resolve(
	ctx context.Context, ss *api.StepState,
) (api.Args, error) {
	if ss.OutputRef != "" {
		return s.Get(ctx, ss.OutputRef)
	}
	return ss.Output, nil
}

// Delete removes an externally stored output. Missing keys are not an
// error.
func (s *Store) Delete(ctx context.Context, ref api.OutputPath) error {
	if s.bucket == nil {
		return nil
	}
	err := s.bucket.Delete(ctx, string(ref))
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

// Close releases the bucket
func (s *Store) Close() error {
	if s.bucket == nil {
		return nil
	}
	return s.bucket.Close()
}

func (s *Store) keyFor(es api.ExecutionStep) string {
	return fmt.Sprintf("%s%s/%s.json", s.prefix, es.ExecutionID, es.StepID)
}
