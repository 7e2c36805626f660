// Package password implements password hashing and verification with Argon2id
// defaults and bcrypt compatibility.
//
// # Output format
//
// Argon2id hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// A [Hasher] writes with its primary scheme and verifies any hash a configured
// scheme recognizes. [Hasher.NeedsRehash] reports hashes that should be
// replaced on the next successful login.
//
// # Architecture boundaries
//
// This package owns hashing and verification only. Password policy (length)
// is enforced by the Engine.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords: callers supply plaintext and receive hashes.
//   - Import any other authflow package.
//   - Log plaintext passwords or hash parameters at runtime.
package password
