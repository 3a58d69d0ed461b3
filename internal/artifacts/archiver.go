package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"campaign-pipeline/internal/config"
	"campaign-pipeline/internal/events"
	"campaign-pipeline/internal/models"
	"campaign-pipeline/internal/telemetry"
)

// Archiver mirrors the images of completed ads, plus a thumbnail, into
// artifact storage. It never touches campaign state.
type Archiver struct {
	cfg        config.Config
	httpClient *http.Client
	uploader   Uploader
	logger     *zap.Logger

	queue chan archiveRequest
	wg    sync.WaitGroup
}

type archiveRequest struct {
	batchID string
	ad      models.GeneratedAd
}

// Stored lists where one ad ended up.
type Stored struct {
	Original  string
	Thumbnail string
}

// New builds an archiver writing to S3 when a bucket is configured and to the
// local artifacts directory otherwise.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Archiver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.ArtifactsDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var up Uploader
	if cfg.ArtifactsS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: client, bucket: cfg.ArtifactsS3Bucket}
	} else {
		dir := cfg.ArtifactsDir
		if dir == "" {
			dir = "./artifacts"
		}
		up = &localUploader{baseDir: dir}
	}

	return &Archiver{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		uploader:   up,
		logger:     logger.With(zap.String("module", "artifacts")),
		queue:      make(chan archiveRequest, 64),
	}, nil
}

// Start subscribes to job events and archives completed ads in the
// background until ctx is cancelled. Events are acked immediately so
// archiving never slows polling down.
func (a *Archiver) Start(ctx context.Context, bus *events.Bus) error {
	subDone, err := bus.Subscribe(ctx, "artifacts", events.Handlers{
		OnTransition: func(ev events.JobTransitioned) {
			rec := ev.Record
			if rec.Status != models.JobCompleted || rec.Result == nil || rec.Result.ImageURL == "" {
				return
			}
			select {
			case a.queue <- archiveRequest{batchID: ev.BatchID, ad: *rec.Result}:
			default:
				telemetry.ArtifactFailures.Inc()
				a.logger.Warn("archive queue full, dropping ad", zap.String("ad_id", rec.Result.AdID))
			}
		},
	})
	if err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				<-subDone
				return
			case req := <-a.queue:
				if _, err := a.Archive(ctx, req.batchID, req.ad); err != nil && ctx.Err() == nil {
					a.logger.Error("archive ad", zap.String("ad_id", req.ad.AdID), zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Wait blocks until the background worker started by Start exited.
func (a *Archiver) Wait() {
	a.wg.Wait()
}

// Archive downloads one ad image and stores it together with a thumbnail.
func (a *Archiver) Archive(ctx context.Context, batchID string, ad models.GeneratedAd) (Stored, error) {
	stored, err := a.archive(ctx, batchID, ad)
	if err != nil {
		telemetry.ArtifactFailures.Inc()
		return Stored{}, err
	}
	telemetry.ArtifactsArchived.Inc()
	a.logger.Info("ad archived",
		zap.String("ad_id", ad.AdID),
		zap.String("original", stored.Original),
		zap.String("thumbnail", stored.Thumbnail))
	return stored, nil
}

func (a *Archiver) archive(ctx context.Context, batchID string, ad models.GeneratedAd) (Stored, error) {
	if ad.ImageURL == "" {
		return Stored{}, errors.New("ad has no image url")
	}
	src, err := resolveImageURL(a.cfg.RemoteBaseURL, ad.ImageURL)
	if err != nil {
		return Stored{}, err
	}
	data, contentType, err := a.download(ctx, src)
	if err != nil {
		return Stored{}, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Stored{}, fmt.Errorf("decode image: %w", err)
	}

	width := a.cfg.ArtifactsThumbWidth
	if width <= 0 {
		width = 320
	}
	thumb := imaging.Fit(img, width, width, imaging.Lanczos)
	thumbFormat := thumbnailFormat(format)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, thumbFormat, imaging.JPEGQuality(85)); err != nil {
		return Stored{}, fmt.Errorf("encode thumbnail: %w", err)
	}

	name := ad.AdID
	if name == "" {
		name = strings.TrimSuffix(path.Base(ad.ImageURL), path.Ext(ad.ImageURL))
	}
	name = keySegment(name)
	prefix := keySegment(batchID)
	if ad.IdeaID != "" {
		prefix = path.Join(prefix, keySegment(ad.IdeaID))
	}

	var out Stored
	out.Original, err = a.uploader.Upload(ctx, path.Join(prefix, name+"."+format), data, mimeForFormat(format, contentType))
	if err != nil {
		return Stored{}, fmt.Errorf("upload original: %w", err)
	}
	out.Thumbnail, err = a.uploader.Upload(ctx, path.Join(prefix, name+"_thumb."+formatExtension(thumbFormat)), buf.Bytes(), mimeForFormat(formatExtension(thumbFormat), ""))
	if err != nil {
		return Stored{}, fmt.Errorf("upload thumbnail: %w", err)
	}
	return out, nil
}

func (a *Archiver) download(ctx context.Context, src string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limit := a.cfg.ArtifactsMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// thumbnailFormat keeps lossless sources lossless; everything else, webp
// included, becomes JPEG since imaging cannot encode webp.
func thumbnailFormat(decoded string) imaging.Format {
	switch strings.ToLower(decoded) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	default:
		return imaging.JPEG
	}
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpeg"
	}
}

func mimeForFormat(format, fallback string) string {
	switch strings.ToLower(format) {
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "jpeg", "jpg":
		return "image/jpeg"
	}
	if fallback != "" {
		return fallback
	}
	return "application/octet-stream"
}

// resolveImageURL turns the service's relative image paths
// (/static/generated/...) into absolute URLs on the service host.
func resolveImageURL(base, raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse image url: %w", err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if base == "" {
		return "", fmt.Errorf("relative image url %q without a service base url", raw)
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse service base url: %w", err)
	}
	return baseURL.ResolveReference(ref).String(), nil
}

// keySegment reduces an id from the service to a single path element.
func keySegment(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '/' || r == '\\' })
	kept := parts[:0]
	for _, p := range parts {
		if p == "." || p == ".." {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return "_"
	}
	return strings.Join(kept, "_")
}
