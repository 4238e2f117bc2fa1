// Package media resolves transport media references into durable URLs:
// download through the transport, upload to object storage, and fall back
// to the local filesystem served by the daemon's own static route.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mvbarbosa/warelay/internal/wa"
	"go.mau.fi/whatsmeow"
	"go.uber.org/zap"
)

// ErrBucketMissing marks an upload failure caused by an absent bucket.
// The resolver provisions the bucket once and retries the single upload.
var ErrBucketMissing = errors.New("bucket missing")

// Fetcher fetches raw media bytes through the transport.
type Fetcher interface {
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
}

// ObjectStore is the durable storage side of the resolver.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	EnsureBucket(ctx context.Context) error
	PublicURL(key string) string
}

// Result is what media resolution hands back to the pipeline. Resolution
// never raises: failures land in Err with Success=false, and the message
// degrades to text-only.
type Result struct {
	Success  bool
	URL      string
	FileName string
	MimeType string
	Err      error
}

// Resolver downloads media and stores it durably.
type Resolver struct {
	objects ObjectStore // nil disables the object-storage leg
	// fallbackDir is the local tree served under publicBaseURL/media/.
	fallbackDir   string
	publicBaseURL string
	logger        *zap.Logger
	now           func() time.Time
}

// NewResolver creates a resolver. objects may be nil, in which case every
// resolution goes straight to the local fallback.
func NewResolver(objects ObjectStore, fallbackDir, publicBaseURL string, logger *zap.Logger) *Resolver {
	return &Resolver{
		objects:       objects,
		fallbackDir:   fallbackDir,
		publicBaseURL: publicBaseURL,
		logger:        logger,
		now:           time.Now,
	}
}

// Resolve fetches the referenced bytes and stores them under the
// deterministic key instanceID/year-month/fileName.
func (r *Resolver) Resolve(ctx context.Context, fetcher Fetcher, instanceID, msgID string, ref *wa.MediaRef) Result {
	data, err := fetcher.Download(ctx, ref.Message)
	if err != nil {
		r.logger.Warn("media download failed",
			zap.String("instance_id", instanceID),
			zap.String("msg_id", msgID),
			zap.Error(err))
		return Result{Success: false, Err: fmt.Errorf("download: %w", err)}
	}

	fileName := ref.FileName
	if fileName == "" {
		base := msgID
		if base == "" {
			base = uuid.NewString()
		}
		fileName = base + ExtensionForMime(ref.MimeType)
	}

	yearMonth := r.now().UTC().Format("2006-01")
	key := fmt.Sprintf("%s/%s/%s", instanceID, yearMonth, fileName)

	if r.objects != nil {
		url, err := r.upload(ctx, key, data, ref.MimeType)
		if err == nil {
			return Result{Success: true, URL: url, FileName: fileName, MimeType: ref.MimeType}
		}
		r.logger.Warn("object storage upload failed, using local fallback",
			zap.String("instance_id", instanceID),
			zap.String("key", key),
			zap.Error(err))
	}

	url, err := r.writeFallback(instanceID, yearMonth, fileName, data)
	if err != nil {
		r.logger.Error("media fallback write failed",
			zap.String("instance_id", instanceID),
			zap.String("msg_id", msgID),
			zap.Error(err))
		return Result{Success: false, Err: err}
	}
	return Result{Success: true, URL: url, FileName: fileName, MimeType: ref.MimeType}
}

func (r *Resolver) upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	err := r.objects.Put(ctx, key, data, contentType)
	if errors.Is(err, ErrBucketMissing) {
		if err = r.objects.EnsureBucket(ctx); err != nil {
			return "", fmt.Errorf("provision bucket: %w", err)
		}
		err = r.objects.Put(ctx, key, data, contentType)
	}
	if err != nil {
		return "", err
	}
	return r.objects.PublicURL(key), nil
}

func (r *Resolver) writeFallback(instanceID, yearMonth, fileName string, data []byte) (string, error) {
	dir := filepath.Join(r.fallbackDir, instanceID, yearMonth)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create fallback dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, fileName), data, 0600); err != nil {
		return "", fmt.Errorf("write fallback file: %w", err)
	}
	return fmt.Sprintf("%s/media/%s/%s/%s", r.publicBaseURL, instanceID, yearMonth, fileName), nil
}

// ExtensionForMime maps common transport mime types to file extensions.
func ExtensionForMime(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "audio/ogg", "audio/ogg; codecs=opus":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}
