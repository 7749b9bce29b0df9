package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 需要本地 MySQL；没有就跳过（与 CI 的 service 容器配合）
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("COLLABSYNC_TEST_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(127.0.0.1:3306)/collabsync_test?charset=utf8mb4&parseTime=True&loc=Local"
	}
	db, err := InitMySQL(dsn)
	if err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	return db
}

func testKey() string { return "doc-" + uuid.NewString() }

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewSnapshotStore(testDB(t))
	ctx := context.Background()
	key := testKey()

	state := []byte("full-state-encoding-v1")
	if err := s.Save(ctx, key, state, "user-1"); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	got, err := s.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if string(got) != string(state) {
		t.Fatalf("Load = %q, want %q", got, state)
	}
}

func TestLoadMissingDocument(t *testing.T) {
	s := NewSnapshotStore(testDB(t))
	got, err := s.Load(context.Background(), testKey())
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got != nil {
		t.Fatalf("Load = %q, want nil", got)
	}
}

func TestLoadFallsBackToHistoryWithoutMirror(t *testing.T) {
	db := testDB(t)
	s := NewSnapshotStore(db)
	ctx := context.Background()
	key := testKey()

	if err := s.Save(ctx, key, []byte("state-a"), ""); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	// 模拟镜像丢失：历史行仍可恢复
	if err := db.Where("document_id = ?", key).Delete(&DocumentState{}).Error; err != nil {
		t.Fatalf("delete mirror: %v", err)
	}

	got, err := s.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if string(got) != "state-a" {
		t.Fatalf("Load = %q, want %q", got, "state-a")
	}
}

func TestCompactRetention(t *testing.T) {
	s := NewSnapshotStore(testDB(t))
	ctx := context.Background()
	key := testKey()

	var newest string
	for i := 0; i < 15; i++ {
		newest = fmt.Sprintf("state-%d", i)
		if err := s.Save(ctx, key, []byte(newest), "user-1"); err != nil {
			t.Fatalf("Save %d error: %v", i, err)
		}
		// created_at 毫秒精度，保证全序
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Compact(ctx, key, 10); err != nil {
		t.Fatalf("Compact error: %v", err)
	}

	n, err := s.HistoryCount(ctx, key)
	if err != nil {
		t.Fatalf("HistoryCount error: %v", err)
	}
	if n != 10 {
		t.Fatalf("HistoryCount = %d, want 10", n)
	}

	// 镜像不受裁剪影响，仍反映最新状态
	got, err := s.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if string(got) != newest {
		t.Fatalf("Load = %q, want %q", got, newest)
	}
}

func TestCompactNoopBelowKeep(t *testing.T) {
	s := NewSnapshotStore(testDB(t))
	ctx := context.Background()
	key := testKey()

	for i := 0; i < 3; i++ {
		if err := s.Save(ctx, key, []byte(fmt.Sprintf("state-%d", i)), ""); err != nil {
			t.Fatalf("Save error: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Compact(ctx, key, 10); err != nil {
		t.Fatalf("Compact error: %v", err)
	}
	n, err := s.HistoryCount(ctx, key)
	if err != nil {
		t.Fatalf("HistoryCount error: %v", err)
	}
	if n != 3 {
		t.Fatalf("HistoryCount = %d, want 3", n)
	}
}

func TestCorruptMirrorPayloadSurfacesError(t *testing.T) {
	db := testDB(t)
	s := NewSnapshotStore(db)
	ctx := context.Background()
	key := testKey()

	bad := DocumentState{DocumentID: key, Payload: []byte("not-gzip"), UpdatedAt: time.Now()}
	if err := db.Create(&bad).Error; err != nil {
		t.Fatalf("seed mirror: %v", err)
	}
	if _, err := s.Load(ctx, key); err == nil {
		t.Fatal("Load of corrupt payload should error")
	}
}

func TestCompressRoundTrip(t *testing.T) {
	raw := []byte("some replica state bytes, long enough to bother compressing 0123456789")
	packed, err := Compress(raw)
	if err != nil {
		t.Fatalf("Compress error: %v", err)
	}
	back, err := Decompress(packed)
	if err != nil {
		t.Fatalf("Decompress error: %v", err)
	}
	if string(back) != string(raw) {
		t.Fatalf("round trip mismatch")
	}
}
