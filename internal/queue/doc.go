// Package queue defines the job record, its lifecycle states, and the
// transition rules the scheduler enforces.
package queue
