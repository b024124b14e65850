// Package notifications publishes job lifecycle events to an ntfy topic.
package notifications
