// Package cache implements the on-disk, content-addressed cache shared by
// the Fetcher and Repository Index: a sha256-addressed blob store under
// blobs/, and a composite-keyed store for decompressed index files under
// indexes/, each entry self-describing via a JSON sidecar recording its
// hash and origin URL.
package cache
