package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shubhpsd/data-viz/internal/config"
	"github.com/shubhpsd/data-viz/internal/storage"
)

func TestPutPrefixesKeyAndForwardsOptions(t *testing.T) {
	api := newFakeBucket()
	store, err := newStore(api, "bucket-a", "/dataviz/prod/")
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}

	info, err := store.Put(context.Background(), "/datasets/d1/sales/upload-1.parquet", bytes.NewBufferString("abc"), 3, storage.PutOptions{
		ContentType: storage.ContentTypeParquet,
		Metadata:    map[string]string{storage.MetadataDatasetID: "d1"},
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if info.Key != "datasets/d1/sales/upload-1.parquet" {
		t.Fatalf("Put().Key = %q, want key without store prefix", info.Key)
	}
	stored, ok := api.objects["dataviz/prod/datasets/d1/sales/upload-1.parquet"]
	if !ok {
		t.Fatalf("objects = %v", api.objects)
	}
	if stored.contentType != storage.ContentTypeParquet || stored.metadata[storage.MetadataDatasetID] != "d1" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestObjectKeyRejectsEscapes(t *testing.T) {
	store, err := newStore(newFakeBucket(), "bucket-a", "p")
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}
	for _, key := range []string{"", "  ", "/", "..", "../secrets.txt", "datasets/../../x"} {
		if _, err := store.objectKey(key); err == nil {
			t.Errorf("objectKey(%q) expected error", key)
		}
	}
	got, err := store.objectKey("datasets/./d1//sales.parquet")
	if err != nil || got != "p/datasets/d1/sales.parquet" {
		t.Fatalf("objectKey() = %q, %v", got, err)
	}
}

func TestGetAndStatMapMissingObject(t *testing.T) {
	store, err := newStore(newFakeBucket(), "bucket-a", "")
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}
	if _, err := store.Get(context.Background(), "datasets/d1/sales/missing.parquet"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Get() error = %v, want ErrObjectNotFound", err)
	}
	if _, err := store.Stat(context.Background(), "datasets/d1/sales/missing.parquet"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Stat() error = %v, want ErrObjectNotFound", err)
	}
}

func TestDeleteIgnoresMissingObject(t *testing.T) {
	store, err := newStore(newFakeBucket(), "bucket-a", "")
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}
	if err := store.Delete(context.Background(), "missing/file.parquet"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
}

func TestListStripsStorePrefix(t *testing.T) {
	api := newFakeBucket()
	store, err := newStore(api, "bucket-a", "tenant")
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"datasets/d1/sales/a.parquet", "datasets/d2/orders/b.parquet"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), 1, storage.PutOptions{}); err != nil {
			t.Fatalf("Put(%q) error = %v", key, err)
		}
	}
	api.objects["other/datasets/d1/x.parquet"] = fakeObject{}

	listed, err := store.List(ctx, "datasets/d1/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listed) != 1 || listed[0].Key != "datasets/d1/sales/a.parquet" {
		t.Fatalf("List() = %+v", listed)
	}
	if api.lastListPrefix != "tenant/datasets/d1/" {
		t.Fatalf("list prefix = %q", api.lastListPrefix)
	}
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	api := newFakeBucket()
	store, err := newStore(api, "bucket-a", "")
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Fatal("HealthCheck() expected error for missing bucket")
	}
	if err := store.ensureBucket(context.Background(), "us-east-1"); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if api.madeRegion != "us-east-1" {
		t.Fatalf("MakeBucket region = %q", api.madeRegion)
	}
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
}

func TestNewStoreValidates(t *testing.T) {
	if _, err := newStore(nil, "bucket", ""); err == nil {
		t.Fatal("newStore() expected error without client")
	}
	if _, err := newStore(newFakeBucket(), " ", ""); err == nil {
		t.Fatal("newStore() expected error without bucket")
	}
}

func TestSplitEndpoint(t *testing.T) {
	tests := []struct {
		raw      string
		useSSL   bool
		host     string
		secure   bool
		wantFail bool
	}{
		{raw: "https://minio.example.com", host: "minio.example.com", secure: true},
		{raw: "http://minio:9000", useSSL: true, host: "minio:9000", secure: true},
		{raw: "minio:9000", host: "minio:9000"},
		{raw: "ftp://minio", wantFail: true},
		{raw: "http://", wantFail: true},
	}
	for _, tc := range tests {
		host, secure, err := splitEndpoint(tc.raw, tc.useSSL)
		if tc.wantFail {
			if err == nil {
				t.Errorf("splitEndpoint(%q) expected error", tc.raw)
			}
			continue
		}
		if err != nil || host != tc.host || secure != tc.secure {
			t.Errorf("splitEndpoint(%q) = %q, %v, %v", tc.raw, host, secure, err)
		}
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.ObjectStoreConfig{Endpoint: "minio:9000", Bucket: "dataviz", Prefix: "p", UseSSL: true})
	if cfg.Endpoint != "minio:9000" || cfg.Bucket != "dataviz" || cfg.Prefix != "p" || !cfg.UseSSL {
		t.Fatalf("ConfigFrom() = %+v", cfg)
	}
}

type fakeObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
}

type fakeBucket struct {
	objects        map[string]fakeObject
	exists         bool
	madeRegion     string
	lastListPrefix string
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string]fakeObject{}}
}

func (f *fakeBucket) PutObject(_ context.Context, _, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	f.objects[key] = fakeObject{body: data, contentType: opts.ContentType, metadata: opts.Metadata}
	return storage.ObjectInfo{Key: key, Size: int64(len(data)), ETag: "etag-1"}, nil
}

func (f *fakeBucket) GetObject(_ context.Context, _, key string) (io.ReadCloser, error) {
	obj, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.body)), nil
}

func (f *fakeBucket) StatObject(_ context.Context, _, key string) (storage.ObjectInfo, error) {
	obj, ok := f.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(obj.body)), LastModified: time.Now().UTC(), Metadata: obj.metadata}, nil
}

func (f *fakeBucket) RemoveObject(_ context.Context, _, key string) error {
	if _, ok := f.objects[key]; !ok {
		return storage.ErrObjectNotFound
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeBucket) ListObjects(_ context.Context, _, prefix string) ([]storage.ObjectInfo, error) {
	f.lastListPrefix = prefix
	var out []storage.ObjectInfo
	for key, obj := range f.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(obj.body))})
		}
	}
	return out, nil
}

func (f *fakeBucket) BucketExists(context.Context, string) (bool, error) {
	return f.exists, nil
}

func (f *fakeBucket) MakeBucket(_ context.Context, _, region string) error {
	f.exists = true
	f.madeRegion = region
	return nil
}
