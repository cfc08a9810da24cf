// Package engram reads and writes .eng containers: a fixed-layout,
// write-once archive format with per-entry compression, optional
// frame-based range decompression for large entries, optional AEAD
// encryption, and optional Ed25519 manifest signing.
//
// Build an archive with [NewWriter] and [Writer.AddEntry], then
// [Writer.Finalize]. Open one with [Open] and read entries whole with
// [Reader.Read], or as a random-access byte range with
// [Reader.OpenRandomAccess] — the latter is what the Database Storage
// Adapter (package dbadapter) layers a SQLite VFS on top of.
package engram
