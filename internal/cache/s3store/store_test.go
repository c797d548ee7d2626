package s3store

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

// fakeS3 is an in-memory bucket. ListObjectsV2 pages two keys at a time so
// the paginator is exercised.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("not found")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(append([]byte(nil), data...)))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		start = sort.SearchStrings(keys, tok)
	}
	end := min(start+2, len(keys))

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k])))})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func newTestStore(t *testing.T) (*Store, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	return NewWithClient(fake, Config{Bucket: "cache", Prefix: "/team-a/"}), fake
}

func record(typ, id, rev string, kv ...any) *types.WorkItemRecord {
	return types.FromSnapshot(&types.RemoteSnapshot{ID: id, Type: typ, Fields: types.NewFields(kv...), Revision: rev})
}

func TestSaveLoadRemove(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestStore(t)

	rec := record("feature", "F/1", "5", "title", "Search", "owner", nil)
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if _, ok := fake.objects["team-a/items/feature/F%2F1.json"]; !ok {
		t.Fatalf("unexpected keys: %v", fake.objects)
	}

	got, err := s.Load(ctx, "feature", "F/1")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if diff := cmp.Diff(rec.Fields.Keys(), got.Fields.Keys()); diff != "" {
		t.Errorf("field order (-want +got):\n%s", diff)
	}
	if got.Revision != "5" || got.IsDirty() {
		t.Errorf("loaded record = %+v", got)
	}

	for i := 0; i < 2; i++ {
		if err := s.Remove(ctx, "feature", "F/1"); err != nil {
			t.Fatalf("Remove() #%d failed: %v", i+1, err)
		}
	}
	if rec, err := s.Load(ctx, "feature", "F/1"); rec != nil || err != nil {
		t.Errorf("Load(removed) = %v, %v", rec, err)
	}
}

func TestIntegrity(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestStore(t)

	if err := s.Save(ctx, record("task", "1", "1", "a", 1)); err != nil {
		t.Fatal(err)
	}
	key := "team-a/items/task/1.json"
	fake.objects[key] = bytes.Replace(fake.objects[key], []byte(`"fields":{"a":1}`), []byte(`"fields":{"a":9}`), 1)
	if _, err := s.Load(ctx, "task", "1"); !syncerr.IsIntegrity(err) {
		t.Errorf("Load(tampered) = %v, want integrity error", err)
	}
}

func TestLoadAllPagesAndTypes(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for _, id := range []string{"e", "a", "d", "b", "c"} {
		if err := s.Save(ctx, record("task", id, "1")); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Save(ctx, record("story", "x", "1")); err != nil {
		t.Fatal(err)
	}

	seq := s.LoadAll(ctx, "task")
	for range seq {
		break
	}
	var ids []string
	for rec, err := range seq {
		if err != nil {
			t.Fatalf("LoadAll error: %v", err)
		}
		ids = append(ids, rec.ID)
	}
	if diff := cmp.Diff([]string{"a", "b", "c", "d", "e"}, ids); diff != "" {
		t.Errorf("LoadAll (-want +got):\n%s", diff)
	}

	typs, err := s.Types(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"story", "task"}, typs); diff != "" {
		t.Errorf("Types (-want +got):\n%s", diff)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total() != 6 || st.SizeBytes == 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestMetadata(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	meta, err := s.ReadMetadata(ctx)
	if err != nil || meta.State != "" {
		t.Fatalf("ReadMetadata(empty) = %+v, %v", meta, err)
	}
	want := &types.SyncMetadata{RunID: "r", State: types.RunStateFailed, Errored: 2}
	if err := s.WriteMetadata(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.ReadMetadata(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("metadata (-want +got):\n%s", diff)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if !errorsIsConfig(err) {
		t.Errorf("New(empty) = %v, want configuration error", err)
	}
}

func errorsIsConfig(err error) bool {
	return syncerr.CodeOf(err) == syncerr.CodeInvalidConfig
}
