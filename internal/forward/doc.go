// Package forward posts messages received from the paired device to a
// backend over HTTP, with bounded concurrency and retries.
package forward
