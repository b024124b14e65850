// Package main hosts the scenarioforge CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into HTTP
// calls against the daemon: document submission, job lifecycle actions,
// queue and history inspection, artifact downloads, and configuration
// scaffolding. It centralizes configuration resolution and server discovery
// so subcommands can focus on user experience instead of wiring.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
