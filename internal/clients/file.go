package clients

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/Paddione/projects-sub012/internal/models"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// clientsFile is the on-disk layout of the clients file.
type clientsFile struct {
	Clients []*models.Client `yaml:"clients"`
}

// FileStore serves clients from a YAML file and reloads it when it
// changes on disk.
type FileStore struct {
	*MemoryStore

	path   string
	logger *slog.Logger
}

// LoadFile reads and validates the clients file at path.
func LoadFile(path string, logger *slog.Logger) (*FileStore, error) {
	clients, err := parseClientsFile(path)
	if err != nil {
		return nil, err
	}

	s := &FileStore{
		MemoryStore: &MemoryStore{clients: clients},
		path:        path,
		logger:      logger,
	}

	logger.Info("clients loaded", slog.String("path", path), slog.Int("count", len(clients)))

	return s, nil
}

func parseClientsFile(path string) (map[string]*models.Client, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading clients file: %w", err)
	}

	var f clientsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing clients file: %w", err)
	}

	clients := make(map[string]*models.Client, len(f.Clients))

	for i, c := range f.Clients {
		if c == nil || c.ClientID == "" {
			return nil, fmt.Errorf("client entry %d: client_id is required", i+1)
		}

		if !strings.HasPrefix(c.ClientSecretHash, "$2") {
			return nil, fmt.Errorf("client %q: client_secret_hash must be a bcrypt hash", c.ClientID)
		}

		if len(c.RedirectURIs) == 0 {
			return nil, fmt.Errorf("client %q: at least one redirect_uri is required", c.ClientID)
		}

		for _, uri := range c.RedirectURIs {
			if err := checkRedirectURI(uri); err != nil {
				return nil, fmt.Errorf("client %q: redirect_uri %q: %w", c.ClientID, uri, err)
			}
		}

		for _, g := range c.AllowedGrantTypes {
			if g != models.GrantAuthorizationCode && g != models.GrantRefreshToken {
				return nil, fmt.Errorf("client %q: unsupported grant type %q", c.ClientID, g)
			}
		}

		if _, dup := clients[c.ClientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q in clients file", c.ClientID)
		}

		clients[c.ClientID] = c
	}

	return clients, nil
}

// checkRedirectURI accepts absolute URIs without a fragment (RFC 6749
// section 3.1.2).
func checkRedirectURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return err
	}

	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("must be absolute")
	}

	if u.Fragment != "" || strings.Contains(uri, "#") {
		return fmt.Errorf("must not contain a fragment")
	}

	return nil
}

// Reload re-reads the file. On error the previous client set is kept.
func (s *FileStore) Reload() error {
	clients, err := parseClientsFile(s.path)
	if err != nil {
		return err
	}

	s.replace(clients)

	return nil
}

// Watch reloads the file whenever it changes. The parent directory is
// watched because editors and config managers replace files by rename.
// It blocks until ctx is cancelled.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watching clients file: %w", err)
	}

	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if err := s.Reload(); err != nil {
				s.logger.Error("reloading clients file, keeping previous clients",
					slog.String("path", s.path),
					slog.String("error", err.Error()),
				)

				continue
			}

			s.logger.Info("clients reloaded", slog.String("path", s.path), slog.Int("count", s.Len()))

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			s.logger.Warn("clients file watcher error", slog.String("error", err.Error()))
		}
	}
}
