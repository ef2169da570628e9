// Package plugin discovers, loads and drives language plugins.
//
// A plugin is described by a Descriptor (from a manifest file or a built-in
// Module) and backed by a Module that knows how to construct it. The Manager
// composes discovery, loading, the extension/language Registry and the
// per-plugin Lifecycle state machine behind one mutex:
//
//	Discovered -> Loaded -> Initialized -> Started -> Stopped -> Loaded
//	                   \________ Error on initialize/start failure
//
// Only plugins in the Initialized or Started state are active and are ever
// handed to callers.
package plugin
