// Package storage is the artifact store gateway: durable blob storage keyed
// by logical path, addressed by an s3:// canonical form plus the two legacy
// URL encodings older records still carry.
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"modelforge/internal/domain"
	"modelforge/internal/infra"
)

// Object is a downloaded blob with its metadata.
type Object struct {
	Data        []byte
	ContentType string
	Length      int64
}

// Gateway uploads and downloads artifacts in an S3-compatible object store.
// An unconfigured gateway is valid to construct; its operations fail with
// domain.ErrStorageNotConfigured, which callers treat as a soft condition.
type Gateway struct {
	client     *minio.Client
	bucket     string
	endpoint   string
	httpClient *http.Client
	logger     infra.Logger
}

// NewGateway builds a gateway from configuration. Missing endpoint or bucket
// yields an unconfigured gateway rather than an error.
func NewGateway(cfg *infra.Config, logger infra.Logger) (*Gateway, error) {
	gw := &Gateway{
		bucket:     cfg.S3Bucket,
		endpoint:   cfg.S3Endpoint,
		httpClient: &http.Client{Timeout: cfg.ImageFetchTimeout},
		logger:     logger,
	}
	if !cfg.StorageConfigured() {
		return gw, nil
	}
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	gw.client = client
	return gw, nil
}

// Configured reports whether uploads can be accepted.
func (g *Gateway) Configured() bool {
	return g != nil && g.client != nil
}

// UploadBytes stores raw bytes under the job's namespace and returns the
// canonical storage path.
func (g *Gateway) UploadBytes(ctx context.Context, ownerID, jobID, logicalName string, data []byte, contentType string) (string, error) {
	if !g.Configured() {
		return "", domain.ErrStorageNotConfigured
	}
	key := destinationKey(ownerID, jobID, logicalName, extensionForContentType(contentType))
	_, err := g.client.PutObject(ctx, g.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "private, max-age=0, no-cache",
	})
	if err != nil {
		return "", fmt.Errorf("object store put %q: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", g.bucket, key), nil
}

// UploadSource stores an artifact given either a data URI or a remote URL
// and returns the canonical storage path. Remote fetches are a single GET;
// retrying is the caller's concern.
func (g *Gateway) UploadSource(ctx context.Context, ownerID, jobID, logicalName, source string) (string, error) {
	if !g.Configured() {
		return "", domain.ErrStorageNotConfigured
	}
	if strings.HasPrefix(source, "data:") {
		data, contentType, err := DecodeDataURI(source)
		if err != nil {
			return "", err
		}
		return g.UploadBytes(ctx, ownerID, jobID, logicalName, data, contentType)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", fmt.Errorf("build artifact fetch: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch artifact: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	ext := extensionForContentType(contentType)
	if ext == "" {
		ext = extensionFromURL(source)
	}
	key := destinationKey(ownerID, jobID, logicalName, ext)
	_, err = g.client.PutObject(ctx, g.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "private, max-age=0, no-cache",
	})
	if err != nil {
		return "", fmt.Errorf("object store put %q: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", g.bucket, key), nil
}

// Download resolves any of the historical address forms and fetches the blob.
func (g *Gateway) Download(ctx context.Context, storagePath string) (*Object, error) {
	if !g.Configured() {
		return nil, domain.ErrStorageNotConfigured
	}
	bucket, key, err := ParseObjectPath(g.endpoint, storagePath)
	if err != nil {
		return nil, err
	}
	obj, err := g.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("object store get %q: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("object store read %q: %w", key, err)
	}
	contentType := "application/octet-stream"
	if stat, err := obj.Stat(); err == nil && stat.ContentType != "" {
		contentType = stat.ContentType
	}
	return &Object{Data: data, ContentType: contentType, Length: int64(len(data))}, nil
}

// ObjectName returns the final path segment of a storage address, used as a
// download filename fallback. Empty when the address cannot be parsed.
func (g *Gateway) ObjectName(storagePath string) string {
	_, key, err := ParseObjectPath(g.endpoint, storagePath)
	if err != nil {
		return ""
	}
	return path.Base(key)
}

// ParseObjectPath normalizes every address form the system has ever produced
// to a (bucket, key) pair:
//
//	s3://bucket/key               canonical
//	https://endpoint/bucket/key   legacy path style
//	https://bucket.endpoint/key   legacy virtual-host style
func ParseObjectPath(endpoint, resource string) (bucket, key string, err error) {
	if resource == "" {
		return "", "", fmt.Errorf("%w: empty path", domain.ErrUnparseableAssetPath)
	}

	if rest, ok := strings.CutPrefix(resource, "s3://"); ok {
		bucket, key, ok = strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return "", "", fmt.Errorf("%w: %q", domain.ErrUnparseableAssetPath, resource)
		}
		return bucket, key, nil
	}

	parsed, parseErr := url.Parse(resource)
	if parseErr != nil || parsed.Host == "" {
		return "", "", fmt.Errorf("%w: %q", domain.ErrUnparseableAssetPath, resource)
	}

	host := hostWithoutPort(endpoint)
	trimmed := strings.TrimPrefix(parsed.Path, "/")

	if parsed.Host == endpoint || hostWithoutPort(parsed.Host) == host {
		bucket, key, ok := strings.Cut(trimmed, "/")
		if !ok || bucket == "" || key == "" {
			return "", "", fmt.Errorf("%w: %q", domain.ErrUnparseableAssetPath, resource)
		}
		return bucket, key, nil
	}

	if suffix := "." + host; strings.HasSuffix(hostWithoutPort(parsed.Host), suffix) {
		bucket = strings.TrimSuffix(hostWithoutPort(parsed.Host), suffix)
		if bucket == "" || trimmed == "" {
			return "", "", fmt.Errorf("%w: %q", domain.ErrUnparseableAssetPath, resource)
		}
		return bucket, trimmed, nil
	}

	return "", "", fmt.Errorf("%w: %q", domain.ErrUnparseableAssetPath, resource)
}

var dataURIPattern = regexp.MustCompile(`^data:(.*?);base64,(.*)$`)

// DecodeDataURI splits a base64 data URI into bytes and content type.
func DecodeDataURI(uri string) ([]byte, string, error) {
	match := dataURIPattern.FindStringSubmatch(uri)
	if match == nil {
		return nil, "", fmt.Errorf("%w: invalid data uri", domain.ErrValidation)
	}
	contentType := match[1]
	if contentType == "" {
		contentType = "image/png"
	}
	data, err := base64.StdEncoding.DecodeString(match[2])
	if err != nil {
		return nil, "", fmt.Errorf("%w: data uri is not base64", domain.ErrValidation)
	}
	return data, contentType, nil
}

func destinationKey(ownerID, jobID, logicalName, ext string) string {
	if strings.Contains(logicalName, ".") {
		ext = ""
	}
	return fmt.Sprintf("owner/%s/jobs/%s/%s%s", ownerID, jobID, logicalName, ext)
}

func hostWithoutPort(host string) string {
	if h, _, ok := strings.Cut(host, ":"); ok {
		return h
	}
	return host
}

func extensionForContentType(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	// gltf-binary must win over the bare gltf substring.
	case strings.Contains(ct, "gltf-binary"), strings.Contains(ct, "glb"):
		return ".glb"
	case strings.Contains(ct, "gltf"):
		return ".gltf"
	case strings.Contains(ct, "zip"):
		return ".zip"
	case strings.Contains(ct, "fbx"):
		return ".fbx"
	case strings.Contains(ct, "obj"):
		return ".obj"
	case strings.Contains(ct, "png"):
		return ".png"
	case strings.Contains(ct, "jpeg"), strings.Contains(ct, "jpg"):
		return ".jpg"
	case strings.Contains(ct, "webp"):
		return ".webp"
	case strings.Contains(ct, "gif"):
		return ".gif"
	default:
		return ""
	}
}

func extensionFromURL(source string) string {
	parsed, err := url.Parse(source)
	if err != nil {
		return ""
	}
	ext := path.Ext(parsed.Path)
	if len(ext) > 1 && len(ext) <= 6 {
		return ext
	}
	return ""
}
