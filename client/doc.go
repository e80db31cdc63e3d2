// Package client provides the Go SDK for the storage appliance control
// plane.
//
// A Client negotiates the API revisions the backend serves, then runs every
// logical operation on the newest revision that implements it, falling
// through to older revisions when needed. Callers see one contract and one
// error taxonomy (ErrNotFound, ErrTimedOut, ...) whichever revision served
// the call.
//
// Basic usage:
//
//	cli, err := client.New("10.0.0.5",
//		client.WithCredentials("admin", "secret"),
//		client.WithTenant(resource.TenantOwner, ""),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer cli.Close()
//
//	vol := client.Volume{ID: "5c2b0f3e-...", Size: 10, OwnerID: project}
//	if err := cli.CreateVolume(ctx, vol); err != nil {
//		log.Fatal(err)
//	}
//	info, err := cli.Attach(ctx, vol, client.Connector{
//		Initiator: "iqn.1993-08.org.debian:01:host",
//		IP:        "172.28.1.10",
//	})
//
// Requests are retried while the backend reports overload, sessions are
// renewed once on authorization failure, and mutations that provision
// asynchronously block until the backend reports the resource available.
// Every blocking wait honours ctx.
//
// Mutual TLS is enabled with WithBundlePath or WithKeyPair; endpoints
// without a scheme then default to https. WithCertificateReload swaps in
// rotated certificates for long-lived clients.
package client
