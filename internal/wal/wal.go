// Package wal is an append-only outbox of mention notifications waiting to
// be exported. Entries are JSON lines, fsynced on every append.
package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Baaaki/chatcore/internal/models"
	"github.com/Baaaki/chatcore/pkg/logger"
	"go.uber.org/zap"
)

const excerptLength = 140

// Entry is one pending mention notification.
type Entry struct {
	MentionID         string    `json:"mention_id"`
	MessageID         string    `json:"message_id"`
	ChannelID         string    `json:"channel_id"`
	MentionedUserID   string    `json:"mentioned_user_id"`
	MentionedByUserID string    `json:"mentioned_by_user_id"`
	Excerpt           string    `json:"excerpt,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

type WAL struct {
	filePath string
	file     *os.File
	mu       sync.Mutex
}

func NewWAL(filePath string) (*WAL, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		filePath: filePath,
		file:     file,
	}, nil
}

// Write appends a single entry.
func (w *WAL) Write(entry Entry) error {
	return w.WriteBatch([]Entry{entry})
}

// WriteBatch appends entries with one fsync for the whole batch.
func (w *WAL) WriteBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	start := time.Now()

	buf := make([]byte, 0, 256*len(entries))
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			logger.Log.Error("WAL: Failed to marshal entry",
				zap.String("mention_id", entry.MentionID),
				zap.Error(err),
			)
			return err
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Write(buf); err != nil {
		logger.Log.Error("WAL: Failed to write to file", zap.Error(err))
		return err
	}
	if err := w.file.Sync(); err != nil {
		logger.Log.Error("WAL: Failed to sync to disk", zap.Error(err))
		return err
	}

	logger.Log.Debug("WAL: Entries written and synced",
		zap.Int("count", len(entries)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// AppendMentions records one entry per mention of msg.
func (w *WAL) AppendMentions(_ context.Context, msg models.Message, mentions []models.Mention) error {
	entries := make([]Entry, 0, len(mentions))
	for _, m := range mentions {
		entries = append(entries, Entry{
			MentionID:         m.ID.String(),
			MessageID:         msg.ID.String(),
			ChannelID:         msg.ChannelID,
			MentionedUserID:   m.MentionedUserID.String(),
			MentionedByUserID: m.MentionedByUserID.String(),
			Excerpt:           excerpt(msg.Content),
			Timestamp:         m.CreatedAt,
		})
	}
	return w.WriteBatch(entries)
}

func excerpt(content string) string {
	if utf8.RuneCountInString(content) <= excerptLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:excerptLength])
}

func (w *WAL) ReadAll() ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.readAllUnsafe()
}

// Cleanup removes entries that have been delivered.
func (w *WAL) Cleanup(deliveredIDs []string) error {
	if len(deliveredIDs) == 0 {
		return nil
	}
	start := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	allEntries, err := w.readAllUnsafe()
	if err != nil {
		logger.Log.Error("WAL: Failed to read entries for cleanup", zap.Error(err))
		return err
	}

	delivered := make(map[string]bool, len(deliveredIDs))
	for _, id := range deliveredIDs {
		delivered[id] = true
	}

	var remaining []Entry
	for _, entry := range allEntries {
		if !delivered[entry.MentionID] {
			remaining = append(remaining, entry)
		}
	}

	tempFile := w.filePath + ".tmp"
	f, err := os.Create(tempFile)
	if err != nil {
		logger.Log.Error("WAL: Failed to create temp file",
			zap.String("temp_file", tempFile),
			zap.Error(err),
		)
		return err
	}

	writer := bufio.NewWriter(f)
	for _, entry := range remaining {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		writer.Write(data)
		writer.WriteByte('\n')
	}
	if err := writer.Flush(); err != nil {
		f.Close()
		os.Remove(tempFile)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempFile)
		return err
	}
	f.Close()

	if err := w.file.Close(); err != nil {
		logger.Log.Error("WAL: Failed to close file for cleanup", zap.Error(err))
	}

	if err := os.Rename(tempFile, w.filePath); err != nil {
		logger.Log.Error("WAL: Failed to rename temp file",
			zap.String("temp_file", tempFile),
			zap.String("target_file", w.filePath),
			zap.Error(err),
		)
		return w.reopen(err)
	}

	if err := w.reopen(nil); err != nil {
		return err
	}

	logger.Log.Info("WAL: Cleanup completed",
		zap.Int("before_count", len(allEntries)),
		zap.Int("deleted_count", len(allEntries)-len(remaining)),
		zap.Int("remaining_count", len(remaining)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// reopen restores the append handle. cause, when non-nil, is returned once
// the handle is back.
func (w *WAL) reopen(cause error) error {
	newFile, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		logger.Log.Error("WAL: Failed to reopen file",
			zap.String("file_path", w.filePath),
			zap.Error(err),
		)
		return err
	}
	w.file = newFile
	return cause
}

func (w *WAL) readAllUnsafe() ([]Entry, error) {
	file, err := os.Open(w.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, scanner.Err()
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
