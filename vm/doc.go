// Package vm implements the Sable runtime heap and its incremental
// tri-color garbage collector.
//
// This package contains:
//   - NaN-boxed value representation
//   - Handle-based object arena with generation checking
//   - Incremental mark-and-sweep collection with write barriers
//   - Upvalue open/close lifecycle shared with the interpreter
//   - Weak tables and userdata finalization
package vm
