package state

// Package state records which item ids have already been handled per
// tracked entity, so repeated checks only surface genuinely new items.
//
// Backends:
//   - file (default): one pretty-printed JSON object, reloaded per call
//   - sqlite: database file, built with -tags sqlite
