package hlsm3u8

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jmylchreest/hlsplayer/internal/models"
)

// ParseMedia parses a media (per-variant) playlist read from r. baseURL is
// the URL the playlist was fetched from, used to resolve fragment and
// init-segment URIs that are relative.
func ParseMedia(r io.Reader, baseURL string) (*models.MediaPlaylist, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	playlist := &models.MediaPlaylist{}
	var (
		sawM3U       bool
		pendingDur   float64
		havePending  bool
		pendingRange *models.ByteRange
		lastEnd      int64
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
			playlist.Version = v

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
			if err != nil {
				return nil, fmt.Errorf("hlsm3u8: parsing EXT-X-TARGETDURATION: %w", err)
			}
			playlist.TargetDuration = v

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"))
			if err != nil {
				return nil, fmt.Errorf("hlsm3u8: parsing EXT-X-MEDIA-SEQUENCE: %w", err)
			}
			playlist.MediaSequence = v

		case line == "#EXT-X-INDEPENDENT-SEGMENTS":
			playlist.IndependentSegments = true

		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			attrs := parseAttributeList(strings.TrimPrefix(line, "#EXT-X-MAP:"))
			uriAttr, ok := attrs["URI"]
			if !ok {
				return nil, fmt.Errorf("hlsm3u8: EXT-X-MAP missing URI")
			}
			resolved, err := resolveURI(baseURL, uriAttr)
			if err != nil {
				return nil, fmt.Errorf("hlsm3u8: resolving EXT-X-MAP URI: %w", err)
			}
			mapSeg := models.InitSegment{URL: resolved}
			if br, ok := attrs["BYTERANGE"]; ok {
				rng, err := parseByteRange(br, 0)
				if err != nil {
					return nil, fmt.Errorf("hlsm3u8: parsing EXT-X-MAP BYTERANGE: %w", err)
				}
				mapSeg.ByteRange = rng
			}
			playlist.Map = mapSeg

		case strings.HasPrefix(line, "#EXTINF:"):
			rest := strings.TrimPrefix(line, "#EXTINF:")
			durStr := rest
			if idx := strings.Index(rest, ","); idx >= 0 {
				durStr = rest[:idx]
			}
			dur, err := strconv.ParseFloat(strings.TrimSpace(durStr), 64)
			if err != nil {
				return nil, fmt.Errorf("hlsm3u8: parsing EXTINF duration %q: %w", durStr, err)
			}
			pendingDur = dur
			havePending = true

		case strings.HasPrefix(line, "#EXT-X-BYTERANGE:"):
			rng, err := parseByteRange(strings.TrimPrefix(line, "#EXT-X-BYTERANGE:"), lastEnd)
			if err != nil {
				return nil, fmt.Errorf("hlsm3u8: parsing EXT-X-BYTERANGE: %w", err)
			}
			pendingRange = &rng

		case strings.HasPrefix(line, "#"):
			// Unrecognized tag, ignore.

		default:
			if !havePending {
				continue
			}
			if pendingRange == nil {
				// Fragments without both duration and byterange are discarded.
				havePending = false
				continue
			}
			resolved, err := resolveURI(baseURL, line)
			if err != nil {
				return nil, fmt.Errorf("hlsm3u8: resolving fragment URI %q: %w", line, err)
			}
			frag := models.Fragment{Duration: pendingDur, URL: resolved, ByteRange: *pendingRange}
			lastEnd = pendingRange.End()
			playlist.Fragments = append(playlist.Fragments, frag)
			havePending = false
			pendingRange = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("hlsm3u8: reading media playlist: %w", err)
	}
	if !sawM3U {
		return nil, fmt.Errorf("hlsm3u8: missing #EXTM3U header")
	}

	return playlist, nil
}

// parseByteRange parses an EXT-X-BYTERANGE value of the form
// "<length>[@<offset>]". When the offset is omitted, the range is assumed
// to start immediately after the previous fragment (prevEnd).
func parseByteRange(s string, prevEnd int64) (models.ByteRange, error) {
	parts := strings.SplitN(s, "@", 2)
	length, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return models.ByteRange{}, fmt.Errorf("invalid byte range length %q: %w", parts[0], err)
	}
	start := prevEnd
	if len(parts) == 2 {
		start, err = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return models.ByteRange{}, fmt.Errorf("invalid byte range offset %q: %w", parts[1], err)
		}
	}
	return models.ByteRange{Start: start, Length: length}, nil
}
