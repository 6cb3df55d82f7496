package articles

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twitch-gpt-bot-go/pkg/markdown"
)

// ErrNoArticles is returned when the pool is empty.
var ErrNoArticles = errors.New("no articles loaded")

// Article is one story seed read from disk.
type Article struct {
	ID       string
	Title    string
	Body     string
	FilePath string
	ModTime  time.Time
}

// Pool holds the articles of a directory and hands out random excerpts.
type Pool struct {
	articles []*Article
	mu       sync.RWMutex
	dir      string
	pick     func(n int) int
	logger   *logrus.Logger
}

func NewPool(logger *logrus.Logger) *Pool {
	return &Pool{
		pick:   rand.IntN,
		logger: logger,
	}
}

// Load replaces the pool with every .md and .txt file under dir. Markdown is
// flattened to plain text. A missing directory leaves the pool empty.
func (p *Pool) Load(dir string) error {
	p.logger.WithField("dir", dir).Info("Loading articles")

	var loaded []*Article
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		ext := strings.ToLower(filepath.Ext(path))
		if d.IsDir() || (ext != ".md" && ext != ".txt") {
			return nil
		}

		article, err := loadArticle(dir, path, ext == ".md")
		if err != nil {
			p.logger.WithError(err).WithField("path", path).Warn("Failed to load article")
			return nil // Continue with other files
		}
		if article.Body == "" {
			return nil
		}
		loaded = append(loaded, article)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		p.logger.WithField("dir", dir).Warn("Article directory does not exist")
		err = nil
	}
	if err != nil {
		return fmt.Errorf("failed to walk article directory: %w", err)
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].ID < loaded[j].ID })

	p.mu.Lock()
	p.articles = loaded
	p.dir = dir
	p.mu.Unlock()

	p.logger.WithField("count", len(loaded)).Info("Articles loaded")
	return nil
}

// Refresh reloads the last loaded directory.
func (p *Pool) Refresh() error {
	p.mu.RLock()
	dir := p.dir
	p.mu.RUnlock()
	return p.Load(dir)
}

func loadArticle(root, path string, isMarkdown bool) (*Article, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	relPath, _ := filepath.Rel(root, path)
	id := strings.TrimSuffix(relPath, filepath.Ext(relPath))
	id = strings.ReplaceAll(id, string(filepath.Separator), "_")

	text := string(content)
	title := titleOf(text, path)
	body := text
	if isMarkdown {
		body = markdown.ToPlainText(text)
	}

	return &Article{
		ID:       id,
		Title:    title,
		Body:     strings.Join(strings.Fields(body), " "),
		FilePath: path,
		ModTime:  info.ModTime(),
	}, nil
}

// titleOf returns the first level-1 heading, or a name derived from the file.
func titleOf(content, path string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	title = strings.ReplaceAll(title, "_", " ")
	return strings.ReplaceAll(title, "-", " ")
}

// Len reports the number of loaded articles.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.articles)
}

// Random returns a random article.
func (p *Pool) Random() (*Article, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.articles) == 0 {
		return nil, ErrNoArticles
	}
	a := *p.articles[p.pick(len(p.articles))]
	return &a, nil
}

// RandomExcerpt returns the first maxChars characters of a random article body.
func (p *Pool) RandomExcerpt(maxChars int) (string, error) {
	a, err := p.Random()
	if err != nil {
		return "", err
	}
	body := []rune(a.Body)
	if maxChars > 0 && len(body) > maxChars {
		body = body[:maxChars]
	}
	p.logger.WithFields(logrus.Fields{
		"id":    a.ID,
		"title": a.Title,
		"chars": len(body),
	}).Debug("Picked article excerpt")
	return string(body), nil
}
