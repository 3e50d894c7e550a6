// Package urpc implements the inter-server wire transport spec.md
// treats as an opaque collaborator: "a reliable request/reply + bulk
// byte-stream facility with authenticated connections". It exposes a
// Transport interface used by pkg/vote (Beacon/SBeacon), pkg/quorum
// (the Disk service) and pkg/recovery/pkg/freeze (GetFile/SendFile
// streaming), plus one concrete implementation: gob-encoded requests
// over pooled mutual-TLS connections.
//
// Generating faithful gRPC/protobuf stubs here without running protoc
// would mean committing fabricated "generated" code; this package is
// hand-written instead, grounded on the teacher's crypto/tls + pooled
// connection shape (pkg/security/certs.go, pkg/client/client.go) for
// everything except the RPC framing itself, which has no pack
// precedent to adopt (see DESIGN.md).
package urpc
