// Package vm implements the script virtual machine that executes compiled
// units, together with the portable artifact encoding used to cache and
// embed them.
//
// This package contains:
//   - Value, the dynamically typed script value
//   - Unit and Function, the compiled form of one script crate
//   - Context, the runtime shared by every VM in a process (builtins,
//     native functions installed by Go packages, and linked units)
//   - Vm, a stack-based interpreter bound to one unit
//   - MarshalUnit/UnmarshalUnit, the checksummed canonical CBOR artifact
//     format (.rnc)
//
// Generated host programs import this package directly, so it must stay
// free of dependencies on the deploy pipeline.
package vm
