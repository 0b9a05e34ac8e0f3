// Package blobstore implements the path-safe, filesystem-rooted content
// store for build source archives, signing certs, and result artifacts.
//
// Every externally-derived path component is validated against an
// allow-list pattern and the resolved destination is checked to be a
// strict descendant of the storage root before any file I/O happens.
// Filenames chosen by uploaders are never used — every key is
// server-generated. All transfers are streamed; the process never holds
// a whole artifact in memory.
package blobstore
