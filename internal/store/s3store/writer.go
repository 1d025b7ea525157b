package s3store

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// multipartWriter satisfies transfer.Writer and transfer.ChunkSkipper:
// a resumed Receive reuses whichever parts of a prior incomplete
// upload match by (size, checksum), so a transfer interrupted partway
// through never re-uploads bytes S3 already has (spec §4.6).
type multipartWriter struct {
	ctx      context.Context
	client   *awss3.Client
	bucket   string
	key      string
	uploadID string

	nextPart int32
	parts    []types.CompletedPart

	existing map[int32]existingPart
}

type existingPart struct {
	size int64
	etag string
}

func newMultipartWriter(ctx context.Context, client *awss3.Client, bucket, key string) (*multipartWriter, error) {
	w := &multipartWriter{ctx: ctx, client: client, bucket: bucket, key: key, nextPart: 1, existing: map[int32]existingPart{}}

	uploadID, err := w.findIncompleteUpload(ctx)
	if err != nil {
		return nil, err
	}
	if uploadID != "" {
		w.uploadID = uploadID
		if err := w.loadExistingParts(ctx); err != nil {
			return nil, err
		}
		return w, nil
	}

	out, err := client.CreateMultipartUpload(ctx, &awss3.CreateMultipartUploadInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("s3store: create multipart upload for %s: %w", key, err)
	}
	w.uploadID = *out.UploadId
	return w, nil
}

func (w *multipartWriter) findIncompleteUpload(ctx context.Context) (string, error) {
	out, err := w.client.ListMultipartUploads(ctx, &awss3.ListMultipartUploadsInput{
		Bucket: &w.bucket, Prefix: &w.key,
	})
	if err != nil {
		return "", fmt.Errorf("s3store: list multipart uploads for %s: %w", w.key, err)
	}
	for _, u := range out.Uploads {
		if u.Key != nil && *u.Key == w.key && u.UploadId != nil {
			return *u.UploadId, nil
		}
	}
	return "", nil
}

func (w *multipartWriter) loadExistingParts(ctx context.Context) error {
	out, err := w.client.ListParts(ctx, &awss3.ListPartsInput{
		Bucket: &w.bucket, Key: &w.key, UploadId: &w.uploadID,
	})
	if err != nil {
		return fmt.Errorf("s3store: list parts for %s: %w", w.key, err)
	}
	for _, p := range out.Parts {
		if p.PartNumber == nil || p.ETag == nil || p.Size == nil {
			continue
		}
		w.existing[*p.PartNumber] = existingPart{size: *p.Size, etag: strings.Trim(*p.ETag, `"`)}
	}
	return nil
}

// SkipChunk reuses the next expected part from a prior incomplete
// upload if its size and checksum match, advancing past it without a
// re-upload.
func (w *multipartWriter) SkipChunk(_ context.Context, size int, checksum string) (bool, error) {
	ep, ok := w.existing[w.nextPart]
	if !ok || ep.size != int64(size) || ep.etag != checksum {
		return false, nil
	}
	partNumber := w.nextPart
	w.parts = append(w.parts, types.CompletedPart{PartNumber: &partNumber, ETag: &ep.etag})
	w.nextPart++
	return true, nil
}

func (w *multipartWriter) Write(p []byte) (int, error) {
	partNumber := w.nextPart
	out, err := w.client.UploadPart(w.ctx, &awss3.UploadPartInput{
		Bucket:     &w.bucket,
		Key:        &w.key,
		UploadId:   &w.uploadID,
		PartNumber: &partNumber,
		Body:       bytes.NewReader(p),
	})
	if err != nil {
		return 0, fmt.Errorf("s3store: upload part %d of %s: %w", partNumber, w.key, err)
	}
	etag := strings.Trim(*out.ETag, `"`)
	w.parts = append(w.parts, types.CompletedPart{PartNumber: &partNumber, ETag: &etag})
	w.nextPart++
	return len(p), nil
}

// Close completes the multipart upload. A caller that wants to abort
// instead (transfer failed) should leave the upload in place for
// Store.DeletePartials to clean up rather than calling Close.
func (w *multipartWriter) Close() error {
	if len(w.parts) == 0 {
		_, err := w.client.AbortMultipartUpload(w.ctx, &awss3.AbortMultipartUploadInput{
			Bucket: &w.bucket, Key: &w.key, UploadId: &w.uploadID,
		})
		return err
	}
	_, err := w.client.CompleteMultipartUpload(w.ctx, &awss3.CompleteMultipartUploadInput{
		Bucket:   &w.bucket,
		Key:      &w.key,
		UploadId: &w.uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: w.parts,
		},
	})
	if err != nil {
		return fmt.Errorf("s3store: complete multipart upload for %s: %w", w.key, err)
	}
	return nil
}

// bufferedPutWriter accumulates small writes (sidecar .info text) and
// issues a single PutObject on Close: not worth the multipart ceremony
// for a few hundred bytes.
type bufferedPutWriter struct {
	ctx    context.Context
	client *awss3.Client
	bucket string
	key    string
	buf    bytes.Buffer
}

func newBufferedPutWriter(ctx context.Context, client *awss3.Client, bucket, key string) *bufferedPutWriter {
	return &bufferedPutWriter{ctx: ctx, client: client, bucket: bucket, key: key}
}

func (w *bufferedPutWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *bufferedPutWriter) Close() error {
	_, err := w.client.PutObject(w.ctx, &awss3.PutObjectInput{
		Bucket: &w.bucket,
		Key:    &w.key,
		Body:   bytes.NewReader(w.buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("s3store: put %s: %w", w.key, err)
	}
	return nil
}
