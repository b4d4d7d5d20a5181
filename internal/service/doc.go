// Package service provides the application-level operations behind the
// HTTP API: accepting uploads, reading files with their job history, and
// retrying failed files.
package service
