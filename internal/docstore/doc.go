// Package docstore persists small whole documents (distributed
// configuration, momentum) on local disk or in an S3-compatible bucket.
package docstore
