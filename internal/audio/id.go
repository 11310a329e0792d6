package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/OneOfOne/xxhash"
	"github.com/dhowden/tag"
)

// idHashLimit caps how many bytes of a file feed the content id.
const idHashLimit = 64 << 20

// ContentID returns a stable identifier derived from the file content: the
// xxhash64 of the first 64 MiB mixed with the total size.
func ContentID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	h := xxhash.New64()
	if _, err := io.CopyN(h, f, idHashLimit); err != nil && err != io.EOF {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(info.Size()))
	h.Write(size[:])

	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// Tags holds the descriptive metadata embedded in an audio file.
type Tags struct {
	Title   string `json:"title,omitempty"`
	Artist  string `json:"artist,omitempty"`
	Album   string `json:"album,omitempty"`
	Genre   string `json:"genre,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// Empty reports whether no tag field is set.
func (t Tags) Empty() bool {
	return t == Tags{}
}

// Text joins all tag fields for keyword matching.
func (t Tags) Text() string {
	parts := make([]string, 0, 5)
	for _, s := range []string{t.Title, t.Artist, t.Album, t.Genre, t.Comment} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// ReadTags returns embedded ID3/MP4/FLAC/OGG tags. Files without tags return
// an empty Tags and no error.
func ReadTags(path string) (Tags, error) {
	f, err := os.Open(path)
	if err != nil {
		return Tags{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		if errors.Is(err, tag.ErrNoTagsFound) {
			return Tags{}, nil
		}
		return Tags{}, fmt.Errorf("reading tags from %s: %w", path, err)
	}
	return Tags{
		Title:   m.Title(),
		Artist:  m.Artist(),
		Album:   m.Album(),
		Genre:   m.Genre(),
		Comment: m.Comment(),
	}, nil
}
