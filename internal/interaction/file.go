package interaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/vietddude/reflow/internal/log"
)

const (
	requestsDir = "requests"
	repliesDir  = "replies"

	filePollInterval = 500 * time.Millisecond
)

// FileChannel exchanges decisions through a directory. Requests are written
// to <dir>/requests/<id>.json and the operator answers by writing
// <dir>/replies/<id>.txt.
type FileChannel struct {
	dir    string
	fs     afero.Fs
	logger *slog.Logger
}

var (
	_ Channel = (*FileChannel)(nil)
	_ Inbox   = (*FileChannel)(nil)
)

func NewFileChannel(dir string, logger *slog.Logger) (*FileChannel, error) {
	c := &FileChannel{dir: dir, fs: afero.NewOsFs(), logger: log.OrDefault(logger)}
	for _, sub := range []string{requestsDir, repliesDir} {
		if err := c.fs.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create decision dir: %w", err)
		}
	}
	return c, nil
}

func (c *FileChannel) requestPath(id string) string {
	return filepath.Join(c.dir, requestsDir, id+".json")
}

func (c *FileChannel) replyPath(id string) string {
	return filepath.Join(c.dir, repliesDir, id+".txt")
}

func (c *FileChannel) Ask(ctx context.Context, req Request) (string, error) {
	req = Prepare(req)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Join(c.dir, repliesDir)); err != nil {
		return "", fmt.Errorf("watch replies dir: %w", err)
	}

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	if err := writeAtomic(c.fs, c.requestPath(req.ID), data); err != nil {
		return "", err
	}
	defer func() {
		_ = c.fs.Remove(c.requestPath(req.ID))
		_ = c.fs.Remove(c.replyPath(req.ID))
	}()

	c.logger.Info("Waiting for decision",
		slog.String("request_id", req.ID),
		log.FlowID(req.FlowID),
		log.StepID(req.StepID),
		slog.String("reply_file", c.replyPath(req.ID)),
	)

	ticker := time.NewTicker(filePollInterval)
	defer ticker.Stop()
	target := c.replyPath(req.ID)

	for {
		if reply, ok := c.readReply(target); ok {
			return reply, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return "", fmt.Errorf("fsnotify watcher closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
		case err, ok := <-watcher.Errors:
			if ok {
				c.logger.Warn("fsnotify error", log.Error(err))
			}
		case <-ticker.C:
		}
	}
}

func (c *FileChannel) readReply(path string) (string, bool) {
	data, err := afero.ReadFile(c.fs, path)
	if err != nil {
		return "", false
	}
	reply := strings.TrimSpace(string(data))
	return reply, reply != ""
}

// Pending lists requests that have no reply yet, oldest first.
func (c *FileChannel) Pending(context.Context) ([]Request, error) {
	entries, err := afero.ReadDir(c.fs, filepath.Join(c.dir, requestsDir))
	if err != nil {
		return nil, fmt.Errorf("read requests dir: %w", err)
	}
	var out []Request
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := afero.ReadFile(c.fs, filepath.Join(c.dir, requestsDir, e.Name()))
		if err != nil {
			continue
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Answer writes the reply file for a pending request.
func (c *FileChannel) Answer(_ context.Context, id, reply string) error {
	if strings.TrimSpace(reply) == "" {
		return ErrEmptyReply
	}
	if _, err := c.fs.Stat(c.requestPath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrRequestNotFound
		}
		return fmt.Errorf("stat request: %w", err)
	}
	return writeAtomic(c.fs, c.replyPath(id), []byte(reply+"\n"))
}

func writeAtomic(fs afero.Fs, path string, data []byte) error {
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
