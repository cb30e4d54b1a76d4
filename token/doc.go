// Package token implements the access-token codec: signing and stateless
// validation of self-contained JWTs via go-jose.
//
// Tokens carry the standard iss/sub/iat/nbf/exp/jti claims plus client_id,
// scope, and project_id. Validation checks signature, issuer, and time
// bounds only; it never consults storage, so resource servers can verify
// tokens without a round trip.
package token
