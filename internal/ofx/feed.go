package ofx

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
)

// FileFeed implements service.BankFeed over statement files on disk. The
// account ref is a file or a directory of .ofx and .qfx files. The cursor
// is the last posting date seen; lines on that date are read again and
// upserted.
type FileFeed struct {
	parser *Parser
}

var _ service.BankFeed = (*FileFeed)(nil)

// NewFileFeed creates a feed that parses with parser.
func NewFileFeed(parser *Parser) *FileFeed {
	if parser == nil {
		parser = NewParser()
	}
	return &FileFeed{parser: parser}
}

// SyncTransactions implements service.BankFeed.
func (f *FileFeed) SyncTransactions(ctx context.Context, path, cursor string) (service.BankSync, error) {
	var since time.Time
	if cursor != "" {
		t, err := time.Parse(time.DateOnly, cursor)
		if err != nil {
			return service.BankSync{}, common.NewConfigurationError(fmt.Sprintf("bad OFX cursor %q", cursor), common.ErrInvalidConfig)
		}
		since = t
	}

	files, err := StatementFiles(path)
	if err != nil {
		return service.BankSync{}, err
	}

	page := service.BankSync{NextCursor: cursor}
	latest := since
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return service.BankSync{}, err
		}
		txns, err := f.parseFile(file)
		if err != nil {
			return service.BankSync{}, err
		}
		for _, txn := range txns {
			day := txn.OccurredAt.UTC().Truncate(24 * time.Hour)
			if day.Before(since) {
				continue
			}
			if day.After(latest) {
				latest = day
			}
			page.Added = append(page.Added, txn)
		}
	}
	if !latest.IsZero() {
		page.NextCursor = latest.Format(time.DateOnly)
	}
	return page, nil
}

func (f *FileFeed) parseFile(path string) ([]model.Transaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open statement: %w", err)
	}
	defer func() { _ = file.Close() }()

	txns, err := f.parser.Parse(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return txns, nil
}

// StatementFiles lists the statements at path in name order. path may be a
// single file or a directory.
func StatementFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, common.NewConfigurationError(fmt.Sprintf("statement path %s does not exist", path), common.ErrMissingConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read statement path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to list statements: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".ofx", ".qfx":
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}
