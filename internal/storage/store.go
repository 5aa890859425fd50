// Package storage persists the trained model bundle and the sequence
// backend artifact. The bundle is a single versioned JSON document; any
// load problem surfaces as a sentinel error so the engine can cold start
// instead of failing.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taskmill/insight/internal/features"
	"github.com/taskmill/insight/internal/predictor"
)

// BundleVersion tags the bundle layout itself, independent of the feature
// encoding version it also carries.
const BundleVersion = 1

var (
	// ErrNotFound reports that no state was ever persisted.
	ErrNotFound = errors.New("storage: no persisted state")

	// ErrIncompatible reports state that exists but cannot be used:
	// undecodable bytes or a version the current build does not speak.
	ErrIncompatible = errors.New("storage: persisted state incompatible")
)

// ModelMetrics is the persisted mirror of the engine's metrics snapshot.
type ModelMetrics struct {
	PredictionsServed int64     `json:"predictionsServed"`
	LastMSE           float64   `json:"lastMse"`
	LastR2            float64   `json:"lastR2"`
	LastAccuracy      float64   `json:"lastAccuracy"`
	LastValidation    time.Time `json:"lastValidationAt"`
}

// Bundle is the versioned persisted document holding everything needed to
// serve predictions after a restart. It is written whole on every save and
// never patched in place.
type Bundle struct {
	Version              int                      `json:"version"`
	FeatureVersion       int                      `json:"featureVersion"`
	Scaler               features.ScalerState     `json:"scaler"`
	Duration             predictor.RegressorState `json:"duration"`
	Resources            predictor.RegressorState `json:"resources"`
	Failure              predictor.RegressorState `json:"failure"`
	UsingSequenceBackend bool                     `json:"usingSequenceBackend"`
	Metrics              ModelMetrics             `json:"metrics"`
	HistorySize          int                      `json:"historySize"`
	SavedAt              time.Time                `json:"savedAt"`
}

// Store persists the bundle and the sequence artifact.
type Store interface {
	SaveBundle(ctx context.Context, b *Bundle) error
	LoadBundle(ctx context.Context) (*Bundle, error)
	SaveSequence(ctx context.Context, raw []byte) error
	LoadSequence(ctx context.Context) ([]byte, error)
	Close() error
}

// EncodeBundle serializes a bundle for storage.
func EncodeBundle(b *Bundle) ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("storage: encode bundle: %w", err)
	}
	return raw, nil
}

// DecodeBundle parses persisted bytes and enforces version compatibility.
// Anything unusable maps onto ErrIncompatible.
func DecodeBundle(raw []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompatible, err)
	}
	if b.Version != BundleVersion {
		return nil, fmt.Errorf("%w: bundle version %d, want %d", ErrIncompatible, b.Version, BundleVersion)
	}
	if b.FeatureVersion != features.FeatureVersion {
		return nil, fmt.Errorf("%w: feature version %d, want %d", ErrIncompatible, b.FeatureVersion, features.FeatureVersion)
	}
	return &b, nil
}
