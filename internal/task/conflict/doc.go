// Package conflict predicts file overlap between work items so the queue
// can warn before running them in parallel.
//
// Predictions come from three sources with descending confidence: explicit
// file references, file-like tokens mined from free text, and a
// keyword-to-glob lookup table. The detector is purely advisory; it holds
// no locks on files and its silence is not a guarantee of safety.
package conflict
