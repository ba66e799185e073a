// Package gcs applies storage_optimize proposals to Cloud Storage buckets.
//
// Targets use the form "gcs:bucket". A proposal may set a new default
// storage_class and add age-based lifecycle rules (nearline_after_days,
// coldline_after_days, archive_after_days, delete_after_days). Updates are
// conditional on the bucket metageneration read just before, so a concurrent
// edit surfaces as a retryable conflict instead of being overwritten.
package gcs
