package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/formanova/studio-core/config"
	"github.com/formanova/studio-core/entity"
	"github.com/formanova/studio-core/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// readGrantClockSkew backdates every read grant's start.
	readGrantClockSkew = 5 * time.Minute

	maxErrorBodyBytes = 4 << 10
	maxFetchBytes     = 64 << 20
)

var ErrForeignLocator = errors.New("locator does not belong to this storage account")

// UploadFailedError carries the storage service's rejection of an upload.
type UploadFailedError struct {
	StatusCode int
	Body       string
}

func (e *UploadFailedError) Error() string {
	return fmt.Sprintf("blob upload failed with status %d: %s", e.StatusCode, e.Body)
}

type BlobGatewayOptions struct {
	AccountName string
	// AccountKey is the base64 key issued by the storage account.
	AccountKey  string
	ServiceHost string
	Container   string
	// Endpoint replaces https://{account}.{ServiceHost}, e.g. for an emulator.
	Endpoint string

	UploadTimeout time.Duration
	FetchTimeout  time.Duration
	HTTPClient    *http.Client
	Telemetry     *Telemetry
	Now           func() time.Time
}

// BlobGateway uploads objects with SharedKey-authenticated PUTs and mints
// time-boxed read URLs for stored locators. Uploads are never retried.
type BlobGateway struct {
	account   string
	container string
	key       []byte
	scheme    string
	host      string

	uploadTimeout time.Duration
	fetchTimeout  time.Duration
	client        *http.Client
	telemetry     *Telemetry
	now           func() time.Time
}

func InitBlobGateway(cfg *config.EnvConfig, telemetry *Telemetry) *BlobGateway {
	gateway, err := NewBlobGateway(BlobGatewayOptions{
		AccountName:   cfg.Blob.AccountName,
		AccountKey:    cfg.Blob.AccountKey,
		ServiceHost:   cfg.Blob.ServiceHost,
		Container:     cfg.Blob.Container,
		Endpoint:      cfg.Blob.Endpoint,
		UploadTimeout: cfg.Delivery.UploadTimeout,
		FetchTimeout:  cfg.Delivery.FetchTimeout,
		Telemetry:     telemetry,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize blob gateway: %v", err))
	}
	return gateway
}

func NewBlobGateway(opts BlobGatewayOptions) (*BlobGateway, error) {
	if opts.AccountName == "" || opts.Container == "" {
		return nil, errors.New("blob account name and container are required")
	}
	key, err := utils.DecodeAccountKey(opts.AccountKey)
	if err != nil {
		return nil, err
	}

	g := &BlobGateway{
		account:       opts.AccountName,
		container:     opts.Container,
		key:           key,
		scheme:        "https",
		host:          opts.AccountName + "." + opts.ServiceHost,
		uploadTimeout: opts.UploadTimeout,
		fetchTimeout:  opts.FetchTimeout,
		client:        opts.HTTPClient,
		telemetry:     opts.Telemetry,
		now:           opts.Now,
	}

	if opts.Endpoint != "" {
		u, err := url.Parse(strings.TrimSuffix(opts.Endpoint, "/"))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid blob endpoint %q", opts.Endpoint)
		}
		g.scheme, g.host = u.Scheme, u.Host
	}
	if g.client == nil {
		g.client = &http.Client{}
	}
	if g.telemetry == nil {
		g.telemetry = NewNoopTelemetry()
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.uploadTimeout <= 0 {
		g.uploadTimeout = 60 * time.Second
	}
	if g.fetchTimeout <= 0 {
		g.fetchTimeout = 30 * time.Second
	}
	return g, nil
}

func (g *BlobGateway) Container() string {
	return g.container
}

// Locator returns where path lives in the gateway's container.
func (g *BlobGateway) Locator(path string) entity.BlobLocator {
	return entity.BlobLocator{
		Scheme:    g.scheme,
		Host:      g.host,
		Container: g.container,
		Path:      strings.TrimPrefix(path, "/"),
	}
}

// Upload PUTs data as a block blob at path and returns its credential-free locator.
func (g *BlobGateway) Upload(ctx context.Context, data []byte, contentType, path string) (entity.BlobLocator, error) {
	loc := g.Locator(path)
	if loc.Path == "" {
		return entity.BlobLocator{}, fmt.Errorf("%w: empty blob path", entity.ErrInvalidLocator)
	}

	ctx, span := g.telemetry.Tracer.Start(ctx, "blob.upload", trace.WithAttributes(
		attribute.String("blob.container", loc.Container),
		attribute.Int("blob.size", len(data)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.uploadTimeout)
	defer cancel()

	headers := map[string]string{
		"x-ms-blob-type": "BlockBlob",
		"x-ms-date":      g.now().UTC().Format(http.TimeFormat),
		"x-ms-version":   utils.SignedVersion,
	}
	stringToSign := utils.BuildWriteStringToSign(utils.WriteGrant{
		Verb:          http.MethodPut,
		ContentLength: int64(len(data)),
		ContentType:   contentType,
		Headers:       headers,
		Account:       g.account,
		Container:     loc.Container,
		Path:          loc.Path,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, loc.String(), bytes.NewReader(data))
	if err != nil {
		return entity.BlobLocator{}, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.ContentLength = int64(len(data))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	req.Header.Set("Authorization", "SharedKey "+g.account+":"+utils.SignWithKey(g.key, stringToSign))

	resp, err := g.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload request failed")
		return entity.BlobLocator{}, fmt.Errorf("failed to upload blob: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		g.telemetry.UploadFailures.Add(ctx, 1, metric.WithAttributes(attribute.Int("http.status_code", resp.StatusCode)))
		span.SetStatus(codes.Error, "upload rejected")
		return entity.BlobLocator{}, &UploadFailedError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return loc, nil
}

// MintReadURL signs a read grant for loc valid from five minutes ago until
// window from now.
func (g *BlobGateway) MintReadURL(loc entity.BlobLocator, perms utils.Permission, window time.Duration) (string, error) {
	if !perms.IsValid() {
		return "", fmt.Errorf("%w: unknown permissions %q", utils.ErrSigningInputInvalid, perms)
	}
	if loc.Container == "" || loc.Path == "" {
		return "", fmt.Errorf("%w: container and path are required", entity.ErrInvalidLocator)
	}
	if loc.Host != g.host {
		return "", fmt.Errorf("%w: %s", ErrForeignLocator, loc.Host)
	}

	now := g.now()
	grant := utils.ReadGrant{
		Permissions: perms,
		Start:       now.Add(-readGrantClockSkew),
		Expiry:      now.Add(window),
		Account:     g.account,
		Container:   loc.Container,
		Path:        loc.Path,
	}
	signature := utils.SignWithKey(g.key, utils.BuildReadStringToSign(grant))

	return loc.String() + "?" + utils.ReadGrantQuery(grant, signature).Encode(), nil
}

// Fetch downloads the object behind loc through a freshly minted read URL.
func (g *BlobGateway) Fetch(ctx context.Context, loc entity.BlobLocator, window time.Duration) ([]byte, error) {
	signed, err := g.MintReadURL(loc, utils.PermissionRead, window)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch blob: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}
