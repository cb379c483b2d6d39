// Package docstore is a collection-oriented document store persisted in a
// [blobrepo.Repository].
//
// # Overview
//
// Each collection is one blob at "{basePath}/{collection}.{format}" holding
// the full list of its [Document] values. [Store] reads that blob, decodes it,
// mutates the in-memory list and writes the whole list back.
//
// # Concurrency: Optimistic Read-Modify-Write
//
// Every mutation is exactly one read followed by one conditional write that
// presents the revision the read returned. When another writer got there
// first the backing repository rejects the write and the mutation returns an
// error matching [blobrepo.ErrConflict]. The store never retries and never
// locks: the caller decides whether to re-read and try again.
//
// When the repository does not enforce revisions end to end, two writers
// working from the same snapshot lose the first write. That is observable and
// kept as is.
//
// # Bootstrap
//
// A collection that does not exist yet is created as an empty list the first
// time it is read. Concurrent first reads in one process share a single
// create; a create that loses against another process re-reads instead of
// failing.
//
// # Identity
//
// [Store.Insert] stamps a random time-sortable id and a UUID. [Store.BulkInsert]
// assigns decimal ids continuing after the largest numeric id already present.
// Both keep id and uid unique within a collection.
package docstore
