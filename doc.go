// Package cloudstorage stores dataset resource files in object storage
// instead of a local filestore. It accepts browser uploads as resumable
// multipart sessions, tracks them in a small SQL ledger, hands out public or
// time-limited signed download URLs and migrates an existing filestore into
// the bucket.
//
// # Stores
//
// The store is selected once, by the scheme of `Config.Store`:
//
//	mem://                           in-process, for tests and development
//	s3://host[:port]/bucket          S3-compatible services (MinIO, Ceph, ...)
//	aws://bucket?region=eu-north-1   Amazon S3
//	azure://account/container        Azure Blob Storage
//	gcs://bucket                     Google Cloud Storage (HMAC interop)
//
// Every driver is decorated with tracing and transient-error retries.
//
// # Running a service
//
//	cfg := cloudstorage.Config{
//	    Store:     "s3://minio:9000/ckan",
//	    LedgerDSN: "/var/lib/cloudstorage/ledger.db",
//	    CKANURL:   "https://data.example.org",
//	    APITokens: []string{"s3cr3t=alice"},
//	}
//	svc, err := cloudstorage.New(ctx, cfg, logger)
//	if err != nil { return err }
//	defer svc.Close()
//	return svc.Serve(ctx)
//
// The HTTP API speaks the CKAN action envelope on /api/action/{name} for the
// cloudstorage_*_multipart actions, and redirects
// /dataset/{id}/resource/{rid}/download to the stored object.
//
// # Maintenance
//
// CleanMultipart aborts sessions older than `Config.MaxMultipartLifetime`,
// InitDB recreates the ledger tables, Migrate copies a filestore directory
// into the bucket and FixCORS updates the container CORS rules on stores
// that support it.
package cloudstorage
