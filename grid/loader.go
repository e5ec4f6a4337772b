package grid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Metadata describes a map the way map_server YAML files do. Origin is the
// world pose of the lower-left corner cell; only the x and y components are
// used, the yaw component must be zero.
type Metadata struct {
	Image          string     `yaml:"image"`
	Resolution     float64    `yaml:"resolution"`
	Origin         [3]float64 `yaml:"origin"`
	Negate         int        `yaml:"negate"`
	OccupiedThresh float64    `yaml:"occupied_thresh"`
	FreeThresh     float64    `yaml:"free_thresh"`
}

// Load reads a map_server style YAML metadata file and the PGM image it
// references and builds the occupancy Map. A relative image path is resolved
// against the YAML file's directory.
func Load(path string) (*Map, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read map metadata: %w", err)
	}

	var meta Metadata
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse map metadata: %w", err)
	}

	if meta.Image == "" {
		return nil, fmt.Errorf("map metadata %s has no image", path)
	}

	img := meta.Image
	if !filepath.IsAbs(img) {
		img = filepath.Join(filepath.Dir(path), img)
	}

	f, err := os.Open(img)
	if err != nil {
		return nil, fmt.Errorf("failed to open map image: %w", err)
	}
	defer f.Close()

	return FromPGM(f, meta)
}

// FromPGM decodes a binary (P5) PGM image and thresholds it into an
// occupancy Map using the metadata's negate and threshold settings. Rows are
// flipped so that cell (0, 0) is the lower-left image pixel, matching the
// map_server convention.
func FromPGM(r io.Reader, meta Metadata) (*Map, error) {
	br := bufio.NewReader(r)

	magic, err := pgmToken(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read PGM header: %w", err)
	}
	if magic != "P5" {
		return nil, fmt.Errorf("unsupported PGM magic %q", magic)
	}

	var width, height, maxVal int
	for _, dst := range []*int{&width, &height, &maxVal} {
		tok, err := pgmToken(br)
		if err != nil {
			return nil, fmt.Errorf("failed to read PGM header: %w", err)
		}
		if _, err := fmt.Sscanf(tok, "%d", dst); err != nil {
			return nil, fmt.Errorf("invalid PGM header field %q", tok)
		}
	}

	if width <= 0 || height <= 0 || maxVal <= 0 || maxVal > 255 {
		return nil, fmt.Errorf("invalid PGM header: %d x %d maxval %d", width, height, maxVal)
	}

	pixels := make([]byte, width*height)
	if _, err := io.ReadFull(br, pixels); err != nil {
		return nil, fmt.Errorf("failed to read PGM pixels: %w", err)
	}

	occ := make([]int8, width*height)
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			p := float64(pixels[row*width+col]) / float64(maxVal)
			if meta.Negate == 0 {
				p = 1 - p
			}

			var s int8
			switch {
			case p > meta.OccupiedThresh:
				s = Occupied
			case p < meta.FreeThresh:
				s = Free
			default:
				s = Unknown
			}

			// image row 0 is the top of the map, grid row 0 the bottom
			occ[(height-row-1)*width+col] = s
		}
	}

	return fromStates(width, height, meta.Resolution, meta.Origin[0], meta.Origin[1], occ)
}

// pgmToken returns the next whitespace-delimited header token, skipping
// '#' comments.
func pgmToken(br *bufio.Reader) (string, error) {
	var tok []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && len(tok) > 0 {
				return string(tok), nil
			}
			return "", err
		}

		switch {
		case b == '#':
			if _, err := br.ReadString('\n'); err != nil {
				return "", err
			}
		case b == ' ' || b == '\t' || b == '\n' || b == '\r':
			if len(tok) > 0 {
				return string(tok), nil
			}
		default:
			tok = append(tok, b)
		}
	}
}
