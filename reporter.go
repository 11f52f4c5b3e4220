// This file re-exports the internal Reporter interface and associated types
// to allow callers to receive all encoding events directly.

package vp9pipe

import "github.com/five82/vp9pipe/internal/reporter"

// Reporter defines the interface for progress reporting during encoding.
// Implement this interface to receive detailed events about encoding progress.
type Reporter = reporter.Reporter

// NullReporter is a no-op reporter that discards all updates.
type NullReporter = reporter.NullReporter

// HardwareSummary contains hardware information.
type HardwareSummary = reporter.HardwareSummary

// InitializationSummary describes the stream before encoding.
type InitializationSummary = reporter.InitializationSummary

// EncodingConfigSummary contains encoding configuration.
type EncodingConfigSummary = reporter.EncodingConfigSummary

// StageProgress represents a generic stage update.
type StageProgress = reporter.StageProgress

// ProgressSnapshot contains encoding progress information.
type ProgressSnapshot = reporter.ProgressSnapshot

// RateControlUpdate describes one QP decision.
type RateControlUpdate = reporter.RateControlUpdate

// ValidationSummary contains validation results.
type ValidationSummary = reporter.ValidationSummary

// ReporterValidationStep represents a single validation check from the reporter.
// It is distinct from ValidationStep in events.go, which is used for JSON
// serialization.
type ReporterValidationStep = reporter.ValidationStep

// LayerOutcome summarizes one temporal layer.
type LayerOutcome = reporter.LayerOutcome

// EncodingOutcome contains final encoding results.
type EncodingOutcome = reporter.EncodingOutcome

// ReporterError contains error information.
type ReporterError = reporter.ReporterError
