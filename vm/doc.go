// Package vm implements the execution core of a YARV-style bytecode
// virtual machine.
//
// This package contains:
//   - NaN-boxed value representation and the object heap
//   - Instruction sequences, their builder and the catch table
//   - Per-thread execution contexts: a value stack and a frame stack
//   - The interpreter loop and method dispatch with inline caches
//   - Control signals (break, next, redo, retry, return, raise) and
//     their resolution through catch tables and ensure handlers
//   - Blocks, procs, lambdas and environment promotion
//   - Threads under a global interpreter lock, and fibers
//   - A mark/sweep collector over the heap and the env arena
//
// Code reaches the VM as ISeq trees, built with ISeqBuilder or decoded by
// package wire, and runs through VM.Run or VM.Execute.
package vm
