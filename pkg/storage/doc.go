/*
Package storage persists keel's resource records.

Store is the interface over the four resource kinds keeld keeps on disk —
networks, containers, volumes, images — each in its own bbolt bucket,
keyed by id (or name, for volumes and images) and serialized as JSON.
BoltStore is the only implementation; tests substitute in-memory fakes of
the interface instead of opening a database file.

Only resource records live here. Large content (layer blobs, cache
manifests) goes through pkg/contentstore, and the build cache keeps its
own index in a separate bbolt file so a crashed build can't wedge the
resource store's file lock.
*/
package storage
