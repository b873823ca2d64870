/*
Package b2 is the object-store HTTP client for the B2 native API (v2).

Client maps each remote operation onto a single HTTP exchange and decodes the
result. It never retries, never caches, and holds no session: every call takes
the *types.Session snapshot it should use. Non-success responses are decoded
from the {status, code, message} error body and classified into the
pkg/errors taxonomy; when the body cannot be decoded the classification is
synthesized from the status code alone.

SessionManager owns the current session snapshot behind an atomic pointer and
shares one in-flight authorization between all concurrent Refresh callers.

	client := b2.NewClient(b2.Options{Endpoint: b2.DefaultEndpoint})
	sessions := b2.NewSessionManager(client, creds, 0, logger, nil)

	sess, err := sessions.Session(ctx)
	if err != nil {
		return err
	}
	page, err := client.ListFileNames(ctx, sess, b2.ListRequest{
		BucketID:  bucketID,
		Prefix:    "photos/",
		Delimiter: "/",
	})
	if errors.IsAuthExpired(err) {
		sess, err = sessions.Refresh(ctx, sess)
		// ... retry once
	}
*/
package b2
