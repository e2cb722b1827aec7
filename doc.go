/*
Package worldstate implements the world state of a smart-contract runtime: a
document store of named collections on top of an ordered key-value store
(Bolt by default, SQLite or memory otherwise).

We implement:

1. Collections, sets of schemaless documents addressed by string ids,
optionally scoped to a tenant.

2. A pending-action queue. With autocommit off, writes are queued in call
order and applied by TransactionPrepare.

3. Selector queries over all documents of a scope (ExecuteQuery).

4. Guarded collections, which run every call past an access controller (see
package acl) first.

5. Diagnostics: CollectionStats and Dump.

Query index descriptors are compiled by package queryindex.

# Technical Details

**Keys.**
Every document lives under the encoding of its (tenant, collection, id)
tuple; see Key. Encodings sort like the tuples, so a collection is one
contiguous prefix range.

**Collections.**
A collection exists when its marker document exists in the system
collection $syscollections of the same scope.

**Revisions.**
Each stored document carries _id and _rev fields, stripped before documents
are returned. Queued Update and Remove calls remember the revision they saw
and fail at apply time if it changed.

## Binary encoding

**Value**: one flags byte, then the msgpack encoding of the document. With
the zstd flag set, the msgpack bytes are zstd-compressed.
*/
package worldstate
