package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/formanova/studio-core/entity"
	"github.com/formanova/studio-core/infra"
	"github.com/formanova/studio-core/infra/produce"
	"github.com/formanova/studio-core/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testAccount = "studioacct"
	testHost    = "studioacct.blob.core.windows.net"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, infra.Migrate(db))
	return db
}

func testLogger() *infra.LoggerClient {
	return infra.NewLoggerClient(io.Discard, false)
}

func newTestMinter(t *testing.T) *infra.BlobGateway {
	t.Helper()
	gateway, err := infra.NewBlobGateway(infra.BlobGatewayOptions{
		AccountName: testAccount,
		AccountKey:  base64.StdEncoding.EncodeToString([]byte("studio-test-account-key")),
		ServiceHost: "blob.core.windows.net",
		Container:   "studio",
		Now:         func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return gateway
}

func resultLocator(path string) string {
	return "https://" + testHost + "/studio/" + path
}

type fakeMailer struct {
	mu    sync.Mutex
	calls []produce.DeliveryEmail
	err   error
	delay time.Duration
}

func (m *fakeMailer) SendDeliveryEmail(ctx context.Context, email produce.DeliveryEmail) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, email)
	return m.err
}

func (m *fakeMailer) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *fakeMailer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// fakeFetcher serves blob contents by locator path.
type fakeFetcher struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeFetcher) put(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[path] = data
}

func (f *fakeFetcher) Fetch(ctx context.Context, loc entity.BlobLocator, window time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[loc.Path]
	if !ok {
		return nil, fmt.Errorf("blob fetch failed with status 404: %s", loc.Path)
	}
	return data, nil
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (s *fakeStore) ArchiveExists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeStore) PutArchive(ctx context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: %d != %d", len(data), size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	s.objects[key] = data
	s.puts++
	return nil
}

func (s *fakeStore) PresignArchive(ctx context.Context, key, filename string, expiry time.Duration) (string, error) {
	return "https://archives.test/" + key + "?filename=" + filename, nil
}

func (s *fakeStore) DeleteArchive(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *fakeStore) get(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[key]
}

var errFakeCacheMiss = errors.New("cache miss")

type fakeCache struct {
	mu     sync.Mutex
	values map[string][]byte
	locks  map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: map[string][]byte{}, locks: map[string]string{}}
}

func (c *fakeCache) Get(ctx context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.values[key]
	if !ok {
		return errFakeCacheMiss
	}
	return json.Unmarshal(data, dest)
}

func (c *fakeCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = data
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.values, key)
	}
	return nil
}

func (c *fakeCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.locks[key]; held {
		return "", false, nil
	}
	token := uuid.NewString()
	c.locks[key] = token
	return token, true, nil
}

func (c *fakeCache) ReleaseLock(ctx context.Context, key, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[key] == token {
		delete(c.locks, key)
	}
	return nil
}

type testEnv struct {
	repo     *repository.Repository
	ledger   *BatchLedger
	linker   *AssetLinker
	delivery *DeliveryCoordinator
	mailer   *fakeMailer
	fetcher  *fakeFetcher
	store    *fakeStore
	cache    *fakeCache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := repository.NewRepository(setupTestDB(t))
	log := testLogger()
	linker := NewAssetLinker(newTestMinter(t), 4)
	env := &testEnv{
		repo:    repo,
		ledger:  NewBatchLedger(repo, log),
		linker:  linker,
		mailer:  &fakeMailer{},
		fetcher: &fakeFetcher{},
		store:   &fakeStore{},
		cache:   newFakeCache(),
	}
	env.delivery = NewDeliveryCoordinator(repo, linker, DeliveryDeps{
		Mailer:  env.mailer,
		Fetcher: env.fetcher,
		Store:   env.store,
		Cache:   env.cache,
		Logger:  log,
	}, DeliveryOptions{
		PublicBaseURL:    "https://studio.example.com/",
		EmailWindow:      48 * time.Hour,
		ResultsWindow:    time.Hour,
		ArchiveWindow:    time.Hour,
		ManifestWindow:   2 * time.Hour,
		SendLease:        time.Minute,
		FetchConcurrency: 2,
	})
	return env
}

// seedBatch creates a batch with one item per status. Completed items get a
// result at results/{batch}/{seq}.jpg.
func (e *testEnv) seedBatch(t *testing.T, email string, statuses ...entity.ItemStatus) *entity.BatchJob {
	t.Helper()
	ctx := context.Background()

	items := make([]NewBatchItem, len(statuses))
	for i := range statuses {
		items[i] = NewBatchItem{
			Sequence: i + 1,
			InputURL: resultLocator(fmt.Sprintf("inputs/%02d.jpg", i+1)),
		}
	}
	batch, err := e.ledger.CreateBatch(ctx, NewBatch{
		UserID:            uuid.New(),
		Category:          entity.CategoryRing,
		NotificationEmail: email,
		Items:             items,
	})
	require.NoError(t, err)

	var updates []ItemUpdate
	for i, status := range statuses {
		if status == entity.ItemStatusPending {
			continue
		}
		upd := ItemUpdate{ItemID: batch.Items[i].ID, Status: status}
		if status == entity.ItemStatusCompleted {
			path := fmt.Sprintf("results/%s/%d.jpg", batch.ID, i+1)
			url := resultLocator(path)
			upd.ResultURL = &url
			e.fetcher.put(path, bytes.Repeat([]byte{byte(i + 1)}, 64))
		}
		updates = append(updates, upd)
	}
	if len(updates) > 0 {
		res, err := e.ledger.BulkUpdateItems(ctx, updates)
		require.NoError(t, err)
		require.Empty(t, res.Errors)
	}

	reloaded, err := e.repo.BatchRepo.FindByIDWithItems(batch.ID)
	require.NoError(t, err)
	return reloaded
}

func strPtr(s string) *string {
	return &s
}
