package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/metrics"
)

// DefaultIndexPrefix prefixes every alias and physical index
const DefaultIndexPrefix = "termstore"

// IndexAlias is the stable name readers and writers use for a document type.
// The type is lowercased, so aliases stay distinct only because the registry
// refuses type names that differ from a registered one by case alone.
func IndexAlias(prefix, docType string) string {
	return prefix + "-" + strings.ToLower(docType)
}

// GenerationIndex names physical generation gen of a document type.
func GenerationIndex(prefix, docType string, gen int) string {
	return fmt.Sprintf("%s-g%06d", IndexAlias(prefix, docType), gen)
}

// ParseGeneration extracts the generation number from a physical index name.
func ParseGeneration(prefix, docType, index string) (int, bool) {
	rest, ok := strings.CutPrefix(index, IndexAlias(prefix, docType)+"-g")
	if !ok || len(rest) != 6 {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// engineError passes caller errors through and wraps everything else as a
// retryable storage failure.
func engineError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidRange),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrAlreadyExists):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return domain.NewStorageError(op, err)
}

func observe(operation string, start time.Time) {
	metrics.QueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
