// Package services assembles the loopd components from configuration.
//
// Build opens the store, embedding gateway and vector index, then wires the
// router, feedback ledger, weight engine, lifecycle manager and optional
// sweep scheduler on top of them. The resulting Registry owns every
// resource it opened and releases them in reverse order on Close.
package services
