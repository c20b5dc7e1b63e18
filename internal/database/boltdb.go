package database

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// PreviewBucket 预览缓存索引
	PreviewBucket = "PreviewRecords"
	// UploadBucket 上传断点
	UploadBucket = "UploadTasks"
)

// DB 封装 BoltDB 实例
type DB struct {
	conn *bbolt.DB
}

// NewBoltDB 初始化并打开数据库
func NewBoltDB(dbPath string) (*DB, error) {
	// Timeout 选项防止两个进程同时打开同一个数据库导致死锁
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开 BoltDB 失败: %w", err)
	}

	// 确保 Bucket 存在
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{PreviewBucket, UploadBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("创建 Bucket 失败: %w", err)
	}

	return &DB{conn: db}, nil
}

// Close 关闭数据库连接
func (d *DB) Close() error {
	return d.conn.Close()
}

// PutPreview 保存或更新预览记录
func (d *DB) PutPreview(rec *PreviewRecord) error {
	return d.put(PreviewBucket, rec.Key, rec)
}

// DeletePreview 删除预览记录，不存在时不报错
func (d *DB) DeletePreview(key string) error {
	return d.delete(PreviewBucket, key)
}

// ListPreviews 读取全部预览记录
// 损坏的记录会被跳过并返回其 key，由调用方决定是否清理
func (d *DB) ListPreviews() ([]*PreviewRecord, []string, error) {
	var (
		records []*PreviewRecord
		corrupt []string
	)
	err := d.conn.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(PreviewBucket)).ForEach(func(k, v []byte) error {
			var rec PreviewRecord
			if err := json.Unmarshal(v, &rec); err != nil || rec.Key != string(k) {
				corrupt = append(corrupt, string(k))
				return nil
			}
			records = append(records, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return records, corrupt, nil
}

// PutUpload 保存上传断点
func (d *DB) PutUpload(rec *UploadRecord) error {
	rec.UpdatedAt = time.Now().UnixNano()
	return d.put(UploadBucket, rec.ID, rec)
}

// GetUpload 获取单个上传断点，不存在时返回 nil, nil
func (d *DB) GetUpload(id string) (*UploadRecord, error) {
	var rec *UploadRecord
	err := d.conn.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(UploadBucket)).Get([]byte(id))
		if v == nil {
			return nil
		}
		rec = &UploadRecord{}
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("解析数据失败 key=%s: %w", id, err)
	}
	return rec, nil
}

// DeleteUpload 删除上传断点 (任务进入终态时调用)
func (d *DB) DeleteUpload(id string) error {
	return d.delete(UploadBucket, id)
}

// ListUploads 获取全部上传断点，启动时调用用于续传
// 无法解析的记录会被跳过并返回其 key，与 ListPreviews 一致
func (d *DB) ListUploads() ([]*UploadRecord, []string, error) {
	var (
		records []*UploadRecord
		corrupt []string
	)
	err := d.conn.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(UploadBucket)).ForEach(func(k, v []byte) error {
			var rec UploadRecord
			if err := json.Unmarshal(v, &rec); err != nil || rec.ID != string(k) {
				corrupt = append(corrupt, string(k))
				return nil
			}
			records = append(records, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return records, corrupt, nil
}

func (d *DB) put(bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化失败: %w", err)
	}
	return d.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

func (d *DB) delete(bucket, key string) error {
	return d.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(key))
	})
}
