// Package hlsm3u8 parses HLS master and media playlists (RFC 8216) into the
// value types consumed by the rest of the playback engine.
package hlsm3u8

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/jmylchreest/hlsplayer/internal/models"
)

const tagM3U = "#EXTM3U"

// errSkipVariant marks a variant missing a required attribute (BANDWIDTH,
// RESOLUTION). The caller skips such variants rather than failing the whole
// parse.
var errSkipVariant = errors.New("hlsm3u8: variant missing required attribute")

// ParseMaster parses a master playlist read from r. baseURL is the URL the
// playlist was fetched from, used to resolve variant URIs that are relative.
func ParseMaster(r io.Reader, baseURL string) (*models.MasterPlaylist, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		version  int
		variants []models.Variant
		pending  map[string]string
		sawM3U   bool
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == tagM3U:
			sawM3U = true

		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-VERSION:"))
			if err != nil {
				return nil, fmt.Errorf("hlsm3u8: parsing EXT-X-VERSION: %w", err)
			}
			version = v

		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			attrs := parseAttributeList(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			pending = attrs

		case strings.HasPrefix(line, "#"):
			// Unrecognized tag, ignore.

		default:
			if pending == nil {
				continue
			}
			variant, err := buildVariant(pending, line, baseURL)
			if err != nil {
				if errors.Is(err, errSkipVariant) {
					pending = nil
					continue
				}
				return nil, err
			}
			variants = append(variants, variant)
			pending = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("hlsm3u8: reading master playlist: %w", err)
	}
	if !sawM3U {
		return nil, fmt.Errorf("hlsm3u8: missing #EXTM3U header")
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("hlsm3u8: master playlist has no variants")
	}

	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Bandwidth > variants[j].Bandwidth
	})

	return &models.MasterPlaylist{
		ID:       models.MasterID(baseURL, variants),
		Version:  version,
		Variants: variants,
	}, nil
}

func buildVariant(attrs map[string]string, uri, baseURL string) (models.Variant, error) {
	bandwidthStr, ok := attrs["BANDWIDTH"]
	if !ok {
		return models.Variant{}, fmt.Errorf("%w: BANDWIDTH", errSkipVariant)
	}
	bandwidth, err := strconv.Atoi(bandwidthStr)
	if err != nil {
		return models.Variant{}, fmt.Errorf("hlsm3u8: invalid BANDWIDTH %q: %w", bandwidthStr, err)
	}

	res, ok := attrs["RESOLUTION"]
	if !ok {
		return models.Variant{}, fmt.Errorf("%w: RESOLUTION", errSkipVariant)
	}
	width, height, err := parseResolution(res)
	if err != nil {
		return models.Variant{}, err
	}

	resolved, err := resolveURI(baseURL, uri)
	if err != nil {
		return models.Variant{}, fmt.Errorf("hlsm3u8: resolving variant URI %q: %w", uri, err)
	}

	return models.Variant{
		Bandwidth:   bandwidth,
		Width:       width,
		Height:      height,
		PlaylistURL: resolved,
	}, nil
}

func parseResolution(s string) (width, height int, err error) {
	parts := strings.SplitN(s, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("hlsm3u8: invalid RESOLUTION %q", s)
	}
	width, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("hlsm3u8: invalid RESOLUTION width %q: %w", s, err)
	}
	height, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("hlsm3u8: invalid RESOLUTION height %q: %w", s, err)
	}
	return width, height, nil
}

// parseAttributeList splits a comma-separated HLS attribute list, respecting
// quoted strings that may themselves contain commas.
func parseAttributeList(s string) map[string]string {
	attrs := make(map[string]string)
	var (
		key     strings.Builder
		val     strings.Builder
		inQuote bool
		inKey   = true
	)

	flush := func() {
		k := strings.TrimSpace(key.String())
		v := strings.Trim(strings.TrimSpace(val.String()), `"`)
		if k != "" {
			attrs[k] = v
		}
		key.Reset()
		val.Reset()
		inKey = true
	}

	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			val.WriteRune(r)
		case r == '=' && inKey && !inQuote:
			inKey = false
		case r == ',' && !inQuote:
			flush()
		case inKey:
			key.WriteRune(r)
		default:
			val.WriteRune(r)
		}
	}
	flush()

	// Unquote values that were quoted.
	for k, v := range attrs {
		attrs[k] = strings.Trim(v, `"`)
	}
	return attrs
}

func resolveURI(baseURL, ref string) (string, error) {
	if baseURL == "" {
		return ref, nil
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(refURL).String(), nil
}
