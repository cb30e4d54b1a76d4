// Package server implements the core OAuth 2.1 authorization server logic.
//
// The Server type coordinates the authorization code flow with mandatory
// PKCE, refresh token rotation with family-wide reuse detection, the
// client_credentials grant, dynamic client registration (RFC 7591), token
// revocation (RFC 7009), and introspection (RFC 7662). It is
// transport-agnostic; the root package adapts it to HTTP.
//
// Subjects come from API keys: the embedding application supplies an
// apikey.Resolver, and every issued token is clipped to the resolved
// grant's scopes. Persistence goes through storage.Store; tokens are
// signed with a token.Codec.
//
// Example usage:
//
//	store := memory.NewStore()
//	codec, err := token.New(token.Config{Key: signingKey, Issuer: issuer})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	srv, err := server.New(store, resolver, codec, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
