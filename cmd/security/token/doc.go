// Package token issues and verifies the HS256 JWT access tokens that identify
// users to the realtime gateway and the REST API.
//
// Design goals:
//   - One Manager per process, built from a shared secret of at least MinSecretBytes.
//   - Only HS256 is accepted; tokens without an expiry are rejected.
//   - The subject claim is the user id.
//
// Issuing exists for tests and tooling; credential issuance is not part of the server.
package token
