// Package state 用bbolt记录每次批量转换的会话与逐文件结果
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// 数据库bucket名称
const (
	SessionBucket = "sessions"
	FilesBucket   = "files"
)

// ErrNoSession 没有活动会话
var ErrNoSession = errors.New("no active journal session")

// ErrSessionNotFound 会话不存在
var ErrSessionNotFound = errors.New("journal session not found")

// FileStatus 文件处理状态
type FileStatus int

const (
	StatusCompleted FileStatus = iota
	StatusFailed
	StatusSkipped
)

// String 返回状态字符串
func (s FileStatus) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// MarshalText 以字符串形式保存
func (s FileStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 解析状态字符串
func (s *FileStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "completed":
		*s = StatusCompleted
	case "failed":
		*s = StatusFailed
	case "skipped":
		*s = StatusSkipped
	default:
		return fmt.Errorf("unknown file status %q", b)
	}
	return nil
}

// JobInfo 会话对应的任务参数
type JobInfo struct {
	Input      string `json:"input"`
	OutputRoot string `json:"output_root"`
	Format     string `json:"format"`
	Workers    int    `json:"workers"`
}

// SessionInfo 转换会话信息
type SessionInfo struct {
	ID         string    `json:"id"`
	Job        JobInfo   `json:"job"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	TotalFiles int       `json:"total_files"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	State      string    `json:"state"`
	Message    string    `json:"message,omitempty"`
}

// FileRecord 文件处理记录
type FileRecord struct {
	Input        string     `json:"input"`
	Output       string     `json:"output"`
	Status       FileStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Time         time.Time  `json:"time"`
}

// Journal 任务历史记录
type Journal struct {
	db      *bbolt.DB
	logger  *zap.Logger
	mutex   sync.Mutex
	session *SessionInfo
}

// OpenJournal 打开或创建历史数据库
func OpenJournal(dbPath string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("创建历史目录失败: %w", err)
	}
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开历史数据库失败: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(SessionBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(FilesBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化历史数据库失败: %w", err)
	}
	return &Journal{db: db, logger: logger.Named("journal")}, nil
}

// Close 关闭数据库
func (j *Journal) Close() error {
	return j.db.Close()
}

// StartSession 开始新的会话，返回会话ID
func (j *Journal) StartSession(job JobInfo, total int) (string, error) {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	now := time.Now()
	session := &SessionInfo{
		Job:        job,
		StartTime:  now,
		TotalFiles: total,
		State:      "running",
	}
	err := j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(SessionBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		// 时间前缀保证按键排序即按时间排序
		session.ID = fmt.Sprintf("%s-%04d", now.Format("20060102-150405"), seq%10000)
		return putJSON(b, session.ID, session)
	})
	if err != nil {
		return "", err
	}
	j.session = session
	j.logger.Debug("开始记录会话", zap.String("session", session.ID), zap.Int("total", total))
	return session.ID, nil
}

// RecordFile 记录单个文件的结果并更新会话计数
func (j *Journal) RecordFile(input, output string, status FileStatus, fileErr error) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if j.session == nil {
		return ErrNoSession
	}
	record := FileRecord{Input: input, Output: output, Status: status, Time: time.Now()}
	if fileErr != nil {
		record.ErrorMessage = fileErr.Error()
	}
	switch status {
	case StatusCompleted:
		j.session.Completed++
	case StatusFailed:
		j.session.Failed++
	case StatusSkipped:
		j.session.Skipped++
	}

	return j.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx.Bucket([]byte(FilesBucket)), fileKey(j.session.ID, input), record); err != nil {
			return err
		}
		return putJSON(tx.Bucket([]byte(SessionBucket)), j.session.ID, j.session)
	})
}

// FinishSession 写入最终状态并结束会话
func (j *Journal) FinishSession(state, message string) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if j.session == nil {
		return ErrNoSession
	}
	j.session.State = state
	j.session.Message = message
	j.session.EndTime = time.Now()
	err := j.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket([]byte(SessionBucket)), j.session.ID, j.session)
	})
	j.session = nil
	return err
}

// ListSessions 按时间倒序列出会话，limit<=0表示全部
func (j *Journal) ListSessions(limit int) ([]*SessionInfo, error) {
	var sessions []*SessionInfo
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(SessionBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(sessions) >= limit {
				break
			}
			var session SessionInfo
			if err := json.Unmarshal(v, &session); err != nil {
				j.logger.Warn("跳过损坏的会话记录", zap.ByteString("key", k), zap.Error(err))
				continue
			}
			sessions = append(sessions, &session)
		}
		return nil
	})
	return sessions, err
}

// GetSession 读取单个会话
func (j *Journal) GetSession(id string) (*SessionInfo, error) {
	var session SessionInfo
	err := j.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(SessionBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// SessionFiles 列出会话中的全部文件记录
func (j *Journal) SessionFiles(id string) ([]*FileRecord, error) {
	if _, err := j.GetSession(id); err != nil {
		return nil, err
	}
	prefix := []byte(id + "\x00")
	var records []*FileRecord
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(FilesBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var record FileRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
		}
		return nil
	})
	return records, err
}

func fileKey(sessionID, input string) string {
	return sessionID + "\x00" + input
}

func putJSON(b *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}
