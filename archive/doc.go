// Package archive implements the write side of the package archive: the
// importer admitting source and binary packages into a repository×suite,
// the upload handler driving signed .changes uploads through authentication
// and policy into the importer, maintenance operations (suite copies,
// removals, expiry of superseded versions) and the consistency checker
// auditing database against disk.
//
// Failures split into three families. *PolicyError means the operation is
// forbidden and nothing happened. *IntegrityError means the input data is
// bad and nothing happened. Anything else is a system error and the caller
// must assume partial effects; re-running the operation is safe because
// package identities are deterministic.
package archive
