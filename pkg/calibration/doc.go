// Package calibration defines the types used by the transfer-function
// calibration workflow. It contains:
//
//   - Phase: the discrete steps of a calibration session
//   - Strategy: the closed set of starting-amplitude estimation strategies
//   - ReferenceCurve / ReferenceState: the reference measurement at the default frequency
//   - TuningResult / Sample: per-frequency tuning outcome and the persisted transfer function value
//   - Status: a synthesized view model returned by the daemon HTTP API
//   - Action: user actions reported on the event stream
//
// The JSON tags are the wire format of the daemon API and the event stream.
package calibration
