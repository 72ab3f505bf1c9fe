package validation

import (
	"context"
	"log/slog"

	recordstore "github.com/openclin/recordstore"
	"github.com/openclin/recordstore/pkg/document"
)

// CachingValidator wraps a Validator with the result cache. Any cache
// fault degrades to a miss and the wrapped validator is called directly;
// cache-internal problems never reach the write path.
type CachingValidator struct {
	inner  Validator
	cache  *ResultCache
	logger *slog.Logger
}

// NewCachingValidator wraps inner with cache.
func NewCachingValidator(inner Validator, cache *ResultCache, logger *slog.Logger) *CachingValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingValidator{inner: inner, cache: cache, logger: logger}
}

// Validate returns a memoized verdict when one is cached for the body's
// normalized shape, otherwise invokes the wrapped validator and caches
// its outcome. Validator transport errors are returned uncached.
func (v *CachingValidator) Validate(ctx context.Context, recordType string, body document.Document) (bool, []recordstore.Issue, error) {
	if outcome, ok := v.lookup(recordType, body); ok {
		return outcome.Valid, outcome.Issues, nil
	}

	valid, issues, err := v.inner.Validate(ctx, recordType, body)
	if err != nil {
		return false, nil, err
	}

	v.store(recordType, body, Outcome{Valid: valid, Issues: issues})
	return valid, issues, nil
}

// Stats exposes the underlying cache counters.
func (v *CachingValidator) Stats() CacheStats { return v.cache.Stats() }

func (v *CachingValidator) lookup(recordType string, body document.Document) (outcome Outcome, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Warn("validation cache lookup fault, treating as miss", "recordType", recordType, "fault", r)
			outcome, ok = Outcome{}, false
		}
	}()
	return v.cache.Get(recordType, body)
}

func (v *CachingValidator) store(recordType string, body document.Document, outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Warn("validation cache store fault, skipping", "recordType", recordType, "fault", r)
		}
	}()
	v.cache.Put(recordType, body, outcome)
}
