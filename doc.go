// Package gridgate exposes the HTTP front end of a desktop-grid dispatcher.
//
// A Server authenticates every request (client certificate, federated
// OpenID or OAuth login, or login and password), decodes the command named
// by the request path, serializes commands per connection channel and hands
// them to an executor. Responses are XML envelopes; downloads stream raw
// artifact content with size and checksum headers.
//
// The server can be embedded:
//
//	cfg := gridgate.Config{Listen: "127.0.0.1:4321", DisableMTLS: true}
//	srv, stop, err := gridgate.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
//	log.Println("listening on", srv.ListenerAddr())
//
// Storage and session stores are selected by URL: artifact content lives in
// mem://, disk://, s3://, aws:// or azure:// backends, identities and
// artifact metadata in memory, SQLite or PostgreSQL, and login sessions in
// memory or Redis.
package gridgate
