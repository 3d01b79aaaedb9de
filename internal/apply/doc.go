// Package apply defines the core types, interfaces, and session state
// machine shared across the auto-apply engine subsystems.
package apply
