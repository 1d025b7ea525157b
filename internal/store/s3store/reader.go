package s3store

import (
	"context"
	"fmt"
	"io"
	"strings"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

// rangedReader satisfies transfer.Reader by issuing one byte-range GET
// per Read call rather than holding a single long-lived object body
// open: a stalled or retried transfer can resume mid-object without
// this Store needing to buffer anything itself (spec §4.6).
type rangedReader struct {
	ctx    context.Context
	client *awss3.Client
	bucket string
	key    string
	cursor int64
}

func newRangedReader(ctx context.Context, client *awss3.Client, bucket, key string) *rangedReader {
	return &rangedReader{ctx: ctx, client: client, bucket: bucket, key: key}
}

func (r *rangedReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	rangeHeader := fmt.Sprintf("bytes=%d-%d", r.cursor, r.cursor+int64(len(p))-1)
	out, err := r.client.GetObject(r.ctx, &awss3.GetObjectInput{
		Bucket: &r.bucket,
		Key:    &r.key,
		Range:  &rangeHeader,
	})
	if isRangeNotSatisfiable(err) {
		return 0, io.EOF
	}
	if err != nil {
		return 0, fmt.Errorf("s3store: ranged get %s: %w", r.key, err)
	}
	defer out.Body.Close()

	n, err := io.ReadFull(out.Body, p)
	r.cursor += int64(n)
	if err == io.ErrUnexpectedEOF {
		// The range response was shorter than requested: this was the
		// last (possibly partial) chunk of the object.
		err = nil
	}
	return n, err
}

func (r *rangedReader) Close() error { return nil }

func isRangeNotSatisfiable(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "InvalidRange") || strings.Contains(err.Error(), "RequestedRangeNotSatisfiable")
}
