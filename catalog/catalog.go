package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/ini.v1"

	"github.com/zsiec/recast/mjr"
)

// ErrExists is returned when adding a capture whose id is already taken.
var ErrExists = fmt.Errorf("catalog: capture id already exists")

// Catalog is the id-to-entry map for one capture directory. All map
// mutation happens under a single mutex; entries themselves carry their
// own synchronization.
type Catalog struct {
	dir string
	log *slog.Logger

	mu      sync.Mutex
	entries map[uint64]*Entry
}

// New creates a catalog over dir. The logger may be nil.
func New(dir string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		dir:     dir,
		log:     logger.With("component", "catalog"),
		entries: make(map[uint64]*Entry),
	}
}

// Dir returns the capture directory this catalog watches.
func (c *Catalog) Dir() string { return c.dir }

// Get returns the entry with the given id, or nil.
func (c *Catalog) Get(id uint64) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[id]
}

// Add inserts an in-progress capture entry. ErrExists if the id is taken.
func (c *Catalog) Add(e *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[e.ID]; ok {
		return ErrExists
	}
	c.entries[e.ID] = e
	return nil
}

// Remove drops an entry from the map. Sessions holding the entry keep
// using it; the destroyed latch tells them it is gone from the catalog.
func (c *Catalog) Remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.setDestroyed()
		delete(c.entries, id)
	}
}

// List returns the completed entries, sorted by id. In-progress captures
// are not listed.
func (c *Catalog) List() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.Completed() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Scan walks the capture directory for .nfo descriptors, imports the
// ones not yet in the catalog, and removes entries whose descriptor has
// disappeared. Invalid descriptors are skipped, not fatal.
func (c *Catalog) Scan() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stale := make(map[uint64]struct{}, len(c.entries))
	for id := range c.entries {
		stale[id] = struct{}{}
	}

	files, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("catalog: read %s: %w", c.dir, err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.EqualFold(filepath.Ext(f.Name()), ".nfo") {
			continue
		}
		path := filepath.Join(c.dir, f.Name())
		id, section, err := parseNFO(path)
		if err != nil {
			c.log.Warn("skipping capture descriptor", "file", f.Name(), "err", err)
			continue
		}
		if _, ok := c.entries[id]; ok {
			// Already known, just mark it still present.
			delete(stale, id)
			continue
		}
		entry, err := c.importNFO(id, section)
		if err != nil {
			c.log.Warn("skipping capture descriptor", "file", f.Name(), "err", err)
			continue
		}
		c.log.Info("imported capture", "id", entry.ID, "name", entry.Name)
		c.entries[entry.ID] = entry
	}

	for id := range stale {
		if e, ok := c.entries[id]; ok {
			// Keep in-progress captures: they have no .nfo yet.
			if !e.Completed() {
				continue
			}
			c.log.Info("capture descriptor gone, removing", "id", id)
			e.setDestroyed()
			delete(c.entries, id)
		}
	}
	return nil
}

// parseNFO loads a descriptor and returns its capture id and section.
func parseNFO(path string) (uint64, *ini.Section, error) {
	file, err := ini.Load(path)
	if err != nil {
		return 0, nil, fmt.Errorf("parse: %w", err)
	}
	var section *ini.Section
	for _, s := range file.Sections() {
		if s.Name() == ini.DefaultSection {
			continue
		}
		section = s
		break
	}
	if section == nil {
		return 0, nil, fmt.Errorf("no capture section")
	}
	id, err := strconv.ParseUint(section.Name(), 10, 64)
	if err != nil || id == 0 {
		return 0, nil, fmt.Errorf("invalid capture id %q", section.Name())
	}
	return id, section, nil
}

// importNFO turns a parsed descriptor into a completed entry with probed
// codecs and a generated offer.
func (c *Catalog) importNFO(id uint64, section *ini.Section) (*Entry, error) {
	name := section.Key("name").String()
	date := section.Key("date").String()
	if name == "" || date == "" {
		return nil, fmt.Errorf("missing name or date")
	}
	audio := strings.TrimSuffix(section.Key("audio").String(), ".mjr")
	video := strings.TrimSuffix(section.Key("video").String(), ".mjr")
	if audio == "" && video == "" {
		return nil, fmt.Errorf("neither audio nor video file")
	}

	e := &Entry{
		ID:        id,
		Name:      name,
		Date:      date,
		AudioFile: audio,
		VideoFile: video,
	}
	if audio != "" {
		info, err := mjr.Probe(c.dir, audio)
		if err != nil {
			c.log.Warn("could not probe audio capture", "id", id, "file", audio, "err", err)
		} else if !info.Video() {
			e.AudioCodec = info.Codec
		}
	}
	if video != "" {
		info, err := mjr.Probe(c.dir, video)
		if err != nil {
			c.log.Warn("could not probe video capture", "id", id, "file", video, "err", err)
		} else if info.Video() {
			e.VideoCodec = info.Codec
		}
	}
	if !e.HasAudio() && !e.HasVideo() {
		return nil, fmt.Errorf("no probeable media")
	}
	e.AudioPT = PayloadType(e.AudioCodec)
	e.VideoPT = VideoPT

	offer, err := GenerateOffer(e)
	if err != nil {
		return nil, err
	}
	e.Offer = offer
	e.setCompleted()
	return e, nil
}

// Complete finalizes an in-progress capture: its .nfo descriptor is
// written, the completed latch set, and the replay offer generated. The
// descriptor keeps the legacy CRLF key=value layout so older tooling can
// read it back.
func (c *Catalog) Complete(e *Entry) error {
	if e.AudioFile == "" && e.VideoFile == "" {
		return fmt.Errorf("catalog: capture %d has no files to describe", e.ID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%d]\r\n", e.ID)
	fmt.Fprintf(&b, "name = %s\r\n", e.Name)
	fmt.Fprintf(&b, "date = %s\r\n", e.Date)
	if e.AudioFile != "" {
		fmt.Fprintf(&b, "audio = %s.mjr\r\n", e.AudioFile)
	}
	if e.VideoFile != "" {
		fmt.Fprintf(&b, "video = %s.mjr\r\n", e.VideoFile)
	}
	path := filepath.Join(c.dir, fmt.Sprintf("%d.nfo", e.ID))
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("catalog: write %s: %w", path, err)
	}

	offer, err := GenerateOffer(e)
	if err != nil {
		return err
	}
	e.Offer = offer
	e.setCompleted()
	c.log.Info("capture completed", "id", e.ID, "name", e.Name)
	return nil
}
