// Package opgraph is the operation graph: the set of process invocations a
// build consists of and the ordering between them.
//
// # Model
//
// An Operation is one executable invocation with the files it claims to
// read (DeclaredInput) and write (DeclaredOutput). Children lists the
// operations that may only start after this one completed. The Children
// relation forms a DAG; an operation listed as a child of several parents
// (a diamond) still runs exactly once.
//
// Operation identities are derived from the command (executable, working
// directory, argument string), so regenerating a graph from the same recipe
// yields the same identities and the execution history keyed by them stays
// valid.
//
// # Lifecycle
//
//  1. Built with a Builder (AddOperation, AddChild, SetRoots, Build) or
//     decoded from a graph file (Decode, ReadFile).
//  2. Validated: referential integrity, acyclicity, reachability from roots.
//  3. Read concurrently by the runner; a Graph is never mutated after Build.
//
// # File format
//
// Encode and Decode implement the binary graph file. Decoding an unmodified
// file and encoding it again yields the same bytes.
package opgraph
