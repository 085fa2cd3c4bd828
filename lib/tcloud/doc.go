// Package tcloud provides a Go client for the tcloud personal cloud API.
//
// The client keeps the session cookie in an internal jar, so a successful
// Login or Register authenticates every following call until Logout.
//
// Basic usage:
//
//	client, err := tcloud.New("http://localhost:8080/tcloud")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// log in with password and the current TOTP code
//	err = client.Login(ctx, "alice", "correct horse", "123456")
//
//	// call a plugin with a JSON body
//	out, err := client.Plugin(ctx, "archive", map[string]string{"op": "list"})
//
//	// upload a file to a plugin
//	out, err = client.Upload(ctx, "archive", "notes.txt",
//	    map[string]any{"name": "notes.txt"}, file)
//
// Failed API calls return *APIError carrying the HTTP status and the decoded
// wire error body:
//
//	var apiErr *tcloud.APIError
//	if errors.As(err, &apiErr) && apiErr.Type == "InvalidTotp" {
//	    // ask for a fresh code
//	}
//
// With custom options:
//
//	client, err := tcloud.New("http://localhost:8080/tcloud",
//	    tcloud.WithTimeout(10*time.Second),
//	    tcloud.WithRetry(5, 200*time.Millisecond),
//	)
package tcloud
