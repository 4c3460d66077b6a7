package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const (
	thumbSize     = 320
	maxImageBytes = 10 << 20
)

func NewClient(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
}

func EnsureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

// ImageStore keeps message images, each with a JPEG thumbnail next to it.
type ImageStore struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

func NewImageStore(client *minio.Client, bucket string, log *zap.Logger) *ImageStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &ImageStore{client: client, bucket: bucket, log: log}
}

// StoreImage uploads the image for a message and returns its object key. Thumbnail
// failures are logged; the original is kept.
func (s *ImageStore) StoreImage(ctx context.Context, orgID uint64, messageID string, r io.Reader, contentType string) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxImageBytes+1))
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return "", fmt.Errorf("image for message %s exceeds %d bytes", messageID, maxImageBytes)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := ObjectKey(orgID, messageID, contentType)
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	thumb, err := MakeThumbnail(data)
	if err != nil {
		s.log.Warn("thumbnail skipped", zap.String("object_key", key), zap.Error(err))
		return key, nil
	}
	thumbKey := ThumbnailKey(key)
	if _, err := s.client.PutObject(ctx, s.bucket, thumbKey, bytes.NewReader(thumb), int64(len(thumb)),
		minio.PutObjectOptions{ContentType: "image/jpeg"}); err != nil {
		s.log.Warn("upload thumbnail failed", zap.String("object_key", thumbKey), zap.Error(err))
	}
	return key, nil
}

// ObjectKey places a message's content under its organization's prefix.
func ObjectKey(orgID uint64, messageID, contentType string) string {
	return fmt.Sprintf("org-%d/line/%s%s", orgID, messageID, extFor(contentType))
}

func ThumbnailKey(objectKey string) string {
	if i := strings.LastIndex(objectKey, "."); i > strings.LastIndex(objectKey, "/") {
		objectKey = objectKey[:i]
	}
	return objectKey + "_thumb.jpg"
}

// MakeThumbnail scales an image to fit 320x320 and encodes it as JPEG.
func MakeThumbnail(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	thumb := imaging.Fit(img, thumbSize, thumbSize, imaging.Lanczos)
	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func extFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}
