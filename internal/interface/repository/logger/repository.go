package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"connector/internal/domain"

	"github.com/pkg/errors"
)

// Options はRepositoryの追加設定.
type Options struct {
	// Level 未満のログは書き込まない.
	Level LogLevel
	// Mirror が設定されていればファイルと同じ内容を書き込む.
	Mirror io.Writer
	// CleanupInterval は古いログファイルの削除間隔.
	CleanupInterval time.Duration
}

// Repository はロガーのリポジトリ実装.
type Repository struct {
	mu       sync.Mutex
	file     *os.File
	config   *RotationConfig
	opts     Options
	dir      string
	filename string
	done     chan struct{}
	once     sync.Once
}

// Verify interface implementation.
var _ domain.Logger = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成.
func New(directory, filename string, config *RotationConfig, opts Options) (
	*Repository, error,
) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating log directory %s", directory)
	}

	if config == nil {
		config = DefaultRotationConfig()
	}
	if opts.Level == "" {
		opts.Level = INFO
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 24 * time.Hour
	}

	file, err := openLogFile(filepath.Join(directory, filename))
	if err != nil {
		return nil, err
	}

	logger := &Repository{
		file:     file,
		config:   config,
		opts:     opts,
		dir:      directory,
		filename: filename,
		done:     make(chan struct{}),
	}

	// ログクリーンアップを定期的に実行
	go logger.periodicCleanup()

	return logger, nil
}

func openLogFile(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening log file %s", path)
	}
	return file, nil
}

// Debug はDEBUGレベルのログを記録.
func (r *Repository) Debug(msg string, fields map[string]interface{}) {
	r.log(NewLogEntry(DEBUG, msg, nil, fields))
}

// Info はINFOレベルのログを記録.
func (r *Repository) Info(msg string, fields map[string]interface{}) {
	r.log(NewLogEntry(INFO, msg, nil, fields))
}

// Warn はWARNレベルのログを記録.
func (r *Repository) Warn(msg string, fields map[string]interface{}) {
	r.log(NewLogEntry(WARN, msg, nil, fields))
}

// Error はERRORレベルのログを記録.
func (r *Repository) Error(
	msg string, err error, fields map[string]interface{},
) {
	r.log(NewLogEntry(ERROR, msg, err, fields))
}

// log はログエントリを書き込み.
func (r *Repository) log(entry *LogEntry) {
	if !entry.Level.Enabled(r.opts.Level) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// ローテーションのチェック.
	if needs, err := needsRotation(r.file.Name(), r.config.MaxSize); err == nil && needs {
		if err := r.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to rotate log: %v\n", err)
		}
	}

	formatted := entry.Format()
	if _, err := r.file.WriteString(formatted); err != nil {
		// エラーが発生した場合は標準エラー出力に書き込み.
		fmt.Fprintf(os.Stderr, "Failed to write log: %v\n", err)
	}
	if r.opts.Mirror != nil {
		io.WriteString(r.opts.Mirror, formatted)
	}
}

// rotate はログファイルをローテーション.
func (r *Repository) rotate() error {
	if err := r.file.Close(); err != nil {
		return errors.Wrap(err, "closing log file")
	}

	if err := rotateFile(r.file.Name()); err != nil {
		return errors.Wrap(err, "renaming log file")
	}

	file, err := openLogFile(filepath.Join(r.dir, r.filename))
	if err != nil {
		return err
	}

	r.file = file
	return nil
}

// periodicCleanup は定期的に古いログファイルを削除.
func (r *Repository) periodicCleanup() {
	ticker := time.NewTicker(r.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cleanOldLogs(r.dir, r.filename, r.config)
		case <-r.done:
			return
		}
	}
}

// Close はロガーのリソースを解放.
func (r *Repository) Close() error {
	r.once.Do(func() { close(r.done) })

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
