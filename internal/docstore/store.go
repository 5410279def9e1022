package docstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("docstore: document not found")

// Store reads and writes named documents as a whole.
type Store interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
	Close() error
}

// Open builds a store from a URL:
//
//	disk:///var/lib/quorumd
//	disk://./data
//	s3://endpoint/bucket/prefix?insecure=1&region=us-east-1
func Open(raw string) (Store, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("docstore: parse %q: %w", raw, err)
	}
	switch u.Scheme {
	case "disk", "file", "":
		dir := u.Host + u.Path
		if u.Scheme == "" {
			dir = raw
		}
		return NewDisk(dir)
	case "s3":
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		q := u.Query()
		insecure, _ := strconv.ParseBool(q.Get("insecure"))
		return NewS3(S3Config{
			Endpoint:  u.Host,
			Region:    q.Get("region"),
			Bucket:    bucket,
			Prefix:    prefix,
			Insecure:  insecure,
			AccessKey: q.Get("access_key"),
			SecretKey: q.Get("secret_key"),
		})
	default:
		return nil, fmt.Errorf("docstore: unsupported scheme %q", u.Scheme)
	}
}
