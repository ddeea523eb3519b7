package catalog

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/dhowden/tag"
	"github.com/h2non/filetype"

	"github.com/bobarin/narrator/internal/models"
)

// ErrTrackNotFound is returned by Lookup for unknown track IDs.
var ErrTrackNotFound = errors.New("background track not found")

// sniffLen is how much of each file is read for content detection.
const sniffLen = 262

// Catalog lists the background music tracks available under a directory.
// Tracks are identified by their filename without extension.
type Catalog struct {
	dir string

	mu     sync.RWMutex
	tracks []models.BackgroundTrack
	byID   map[string]models.BackgroundTrack
}

func New(dir string) *Catalog {
	return &Catalog{dir: dir, byID: map[string]models.BackgroundTrack{}}
}

// Refresh rescans the directory. Files that are not audio are skipped, and a
// missing directory yields an empty catalog.
func (c *Catalog) Refresh() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[Catalog] Music dir %s does not exist, no background tracks available", c.dir)
			c.replace(nil)
			return nil
		}
		return fmt.Errorf("failed to read music dir: %w", err)
	}

	var tracks []models.BackgroundTrack
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		path := filepath.Join(c.dir, entry.Name())
		track, ok := readTrack(path)
		if !ok {
			continue
		}
		tracks = append(tracks, track)
	}

	sort.Slice(tracks, func(i, j int) bool { return tracks[i].ID < tracks[j].ID })
	c.replace(tracks)

	log.Printf("[Catalog] Loaded %d background tracks from %s", len(tracks), c.dir)
	return nil
}

func (c *Catalog) replace(tracks []models.BackgroundTrack) {
	byID := make(map[string]models.BackgroundTrack, len(tracks))
	for _, t := range tracks {
		byID[t.ID] = t
	}

	c.mu.Lock()
	c.tracks = tracks
	c.byID = byID
	c.mu.Unlock()
}

// List returns all tracks ordered by ID.
func (c *Catalog) List() []models.BackgroundTrack {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.BackgroundTrack, len(c.tracks))
	copy(out, c.tracks)
	return out
}

func (c *Catalog) Lookup(id string) (models.BackgroundTrack, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.byID[id]
	if !ok {
		return models.BackgroundTrack{}, fmt.Errorf("%w: %s", ErrTrackNotFound, id)
	}
	return t, nil
}

func readTrack(path string) (models.BackgroundTrack, bool) {
	file, err := os.Open(path)
	if err != nil {
		log.Printf("[Catalog] WARNING: cannot open %s: %v", path, err)
		return models.BackgroundTrack{}, false
	}
	defer file.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return models.BackgroundTrack{}, false
	}

	kind, _ := filetype.Match(head[:n])
	if kind == filetype.Unknown || kind.MIME.Type != "audio" {
		return models.BackgroundTrack{}, false
	}

	filename := filepath.Base(path)
	id := strings.TrimSuffix(filename, filepath.Ext(filename))
	track := models.BackgroundTrack{
		ID:       id,
		Filename: filename,
		Name:     DisplayName(filename),
		MIME:     kind.MIME.Value,
		Path:     path,
	}

	if _, err := file.Seek(0, io.SeekStart); err == nil {
		// Tags are optional; untagged files keep the filename-derived name
		if metadata, err := tag.ReadFrom(file); err == nil {
			track.Title = strings.TrimSpace(metadata.Title())
			track.Artist = strings.TrimSpace(metadata.Artist())
		}
	}

	return track, true
}

// DisplayName turns "epic_cinematic_rise.mp3" into "Epic Cinematic Rise".
func DisplayName(filename string) string {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	words := strings.Fields(strings.ReplaceAll(base, "_", " "))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}
