// Package domain contains the core entities of the file-processing pipeline:
// uploaded files and the per-attempt job records that track their processing.
// It encodes the allowed status transitions for both, independent of any
// storage or delivery mechanism.
package domain
