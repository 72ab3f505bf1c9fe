// Package document provides a shared tree walker over JSON-like record
// bodies. The search indexer, reference extractor, and validation-cache
// normalizer all traverse documents through this package so that their
// field-path conventions agree.
package document
