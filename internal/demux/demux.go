// Package demux implements the C4 contract: turning a concatenated
// init+media fMP4 segment into a DecodedFragment of timed video/audio
// samples, using bluenviron/mediacommon's fmp4 and mp4 box parsers.
package demux

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/url"
	"os"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/jmylchreest/hlsplayer/internal/models"
)

// Demux parses the fMP4 segment at segmentURL (a file:// URL produced by the
// fragment loader/cache) and returns a DecodedFragment whose sample
// timestamps are translated into the session's rational clock at basetime.
func Demux(segmentURL string, basetime models.RationalTime, source models.Fragment) (*models.DecodedFragment, error) {
	data, err := readSegment(segmentURL)
	if err != nil {
		return nil, models.NewPlaybackError(models.ErrKindDecodeMedia, "demux", "reading segment", err)
	}

	init, videoTrackID, audioTrackID, err := parseInit(data)
	if err != nil {
		return nil, models.NewPlaybackError(models.ErrKindDecodeMedia, "demux", "parsing init segment", err)
	}
	videoTimescale, audioTimescale := trackTimescales(init, videoTrackID, audioTrackID)

	videoRaw, audioRaw, err := parseFragments(data, videoTrackID, audioTrackID)
	if err != nil {
		return nil, models.NewPlaybackError(models.ErrKindDecodeMedia, "demux", "parsing fragment", err)
	}
	if len(videoRaw) == 0 {
		return nil, models.NewPlaybackError(models.ErrKindEmptyVideo, "demux", "fragment has no video samples", nil)
	}
	if len(audioRaw) == 0 {
		return nil, models.NewPlaybackError(models.ErrKindEmptyAudio, "demux", "fragment has no audio samples", nil)
	}

	video := buildSamples(videoRaw, videoTimescale, basetime)
	videoEnd := video[len(video)-1].PresentationTime.Add(video[len(video)-1].Duration)

	audio := buildSamples(audioRaw, audioTimescale, basetime)
	audio = rescaleAudioToVideoEnd(audio, basetime, videoEnd)

	return &models.DecodedFragment{
		Source:   source,
		BaseTime: basetime,
		Duration: models.RationalTime{Value: videoEnd.Value - basetime.Value, Timescale: models.Timescale},
		Video:    video,
		Audio:    audio,
	}, nil
}

func readSegment(segmentURL string) ([]byte, error) {
	path := segmentURL
	if u, err := url.Parse(segmentURL); err == nil && u.Scheme == "file" {
		path = u.Path
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading segment file: %w", err)
	}
	return data, nil
}

// boxHeader reads the 8-byte size+type header at the start of b. Extended
// 64-bit box sizes are not needed for the init+fragment segments this
// package consumes and are treated as an error.
func boxHeader(b []byte) (size uint32, typ string, err error) {
	if len(b) < 8 {
		return 0, "", fmt.Errorf("truncated box header")
	}
	size = binary.BigEndian.Uint32(b[0:4])
	typ = string(b[4:8])
	if size == 1 {
		return 0, "", fmt.Errorf("64-bit box sizes not supported")
	}
	if size == 0 {
		return 0, "", fmt.Errorf("zero-size box")
	}
	return size, typ, nil
}

// parseInit scans data for the leading moov box and unmarshals it.
func parseInit(data []byte) (init *fmp4.Init, videoTrackID, audioTrackID int, err error) {
	offset := 0
	for offset+8 <= len(data) {
		size, typ, hdrErr := boxHeader(data[offset:])
		if hdrErr != nil {
			return nil, 0, 0, hdrErr
		}
		if offset+int(size) > len(data) {
			break
		}
		if typ == "moov" {
			init = &fmp4.Init{}
			if uerr := init.Unmarshal(bytes.NewReader(data[offset : offset+int(size)])); uerr != nil {
				return nil, 0, 0, fmt.Errorf("unmarshaling init segment: %w", uerr)
			}
			videoTrackID, audioTrackID = trackIDs(init)
			return init, videoTrackID, audioTrackID, nil
		}
		offset += int(size)
	}
	return nil, 0, 0, fmt.Errorf("no moov box found")
}

func trackIDs(init *fmp4.Init) (videoID, audioID int) {
	for _, track := range init.Tracks {
		switch track.Codec.(type) {
		case *mp4.CodecH264, *mp4.CodecH265, *mp4.CodecAV1, *mp4.CodecVP9:
			videoID = track.ID
		case *mp4.CodecMPEG4Audio, *mp4.CodecOpus, *mp4.CodecAC3, *mp4.CodecEAC3, *mp4.CodecMPEG1Audio:
			audioID = track.ID
		}
	}
	return videoID, audioID
}

func trackTimescales(init *fmp4.Init, videoID, audioID int) (video, audio uint32) {
	for _, t := range init.Tracks {
		if t.ID == videoID {
			video = t.TimeScale
		}
		if t.ID == audioID {
			audio = t.TimeScale
		}
	}
	return video, audio
}

// rawSample holds a sample's timing in its own track timescale, prior to
// translation into the session's rational clock.
type rawSample struct {
	dts   int64
	pts   int64
	dur   int64
	isKey bool
	data  []byte
}

// parseFragments scans data for moof+mdat pairs following the init segment
// and accumulates raw samples for the video and audio tracks.
func parseFragments(data []byte, videoTrackID, audioTrackID int) (video, audio []rawSample, err error) {
	offset := 0
	for offset+8 <= len(data) {
		size, typ, hdrErr := boxHeader(data[offset:])
		if hdrErr != nil {
			return nil, nil, hdrErr
		}
		if offset+int(size) > len(data) {
			break
		}
		if typ != "moof" {
			offset += int(size)
			continue
		}
		if offset+int(size)+8 > len(data) {
			break
		}
		mdatSize, mdatType, mhErr := boxHeader(data[offset+int(size):])
		if mhErr != nil {
			return nil, nil, mhErr
		}
		if mdatType != "mdat" {
			offset += int(size)
			continue
		}
		total := int(size) + int(mdatSize)
		if offset+total > len(data) {
			break
		}

		var parts fmp4.Parts
		if uerr := parts.Unmarshal(data[offset : offset+total]); uerr != nil {
			return nil, nil, fmt.Errorf("unmarshaling fragment: %w", uerr)
		}
		for _, part := range parts {
			for _, track := range part.Tracks {
				switch track.ID {
				case videoTrackID:
					video = append(video, processTrack(track, true)...)
				case audioTrackID:
					audio = append(audio, processTrack(track, false)...)
				}
			}
		}

		offset += total
	}
	return video, audio, nil
}

// processTrack converts a single fMP4 PartTrack's samples to rawSamples.
// Video keyframes come from IsNonSyncSample, with the first sample of a
// fragment always treated as a keyframe (CMAF fragments always start at a
// sync point even when the flag is inconsistently set). Audio samples are
// all key, per spec.
func processTrack(track *fmp4.PartTrack, isVideo bool) []rawSample {
	out := make([]rawSample, 0, len(track.Samples))
	baseTime := int64(track.BaseTime)
	for i, s := range track.Samples {
		dts := baseTime
		pts := dts + int64(s.PTSOffset)
		isKey := !s.IsNonSyncSample
		if isVideo && i == 0 {
			isKey = true
		}
		if !isVideo {
			isKey = true
		}
		out = append(out, rawSample{dts: dts, pts: pts, dur: int64(s.Duration), isKey: isKey, data: s.Payload})
		baseTime += int64(s.Duration)
	}
	return out
}

// buildSamples rescales raw samples from their track timescale into the
// engine's rational clock, offsetting by basetime.
func buildSamples(raws []rawSample, trackTimescale uint32, basetime models.RationalTime) []models.Sample {
	if trackTimescale == 0 {
		trackTimescale = models.Timescale
	}
	scale := func(v int64) int64 {
		return v * models.Timescale / int64(trackTimescale)
	}
	out := make([]models.Sample, len(raws))
	for i, r := range raws {
		out[i] = models.Sample{
			PresentationTime: models.RationalTime{Value: basetime.Value + scale(r.pts), Timescale: models.Timescale},
			DecodeTime:       models.RationalTime{Value: basetime.Value + scale(r.dts), Timescale: models.Timescale},
			Duration:         models.RationalTime{Value: scale(r.dur), Timescale: models.Timescale},
			IsKeyFrame:       r.isKey,
			Data:             r.data,
		}
	}
	return out
}

// rescaleAudioToVideoEnd time-scales the audio sample sequence so its end
// time matches the video track's end time, keeping A/V alignment despite
// encoder-introduced drift between the two tracks' nominal durations.
func rescaleAudioToVideoEnd(audio []models.Sample, basetime, videoEnd models.RationalTime) []models.Sample {
	if len(audio) == 0 {
		return audio
	}
	last := audio[len(audio)-1]
	audioEnd := last.PresentationTime.Value + last.Duration.Value
	audioSpan := audioEnd - basetime.Value
	videoSpan := videoEnd.Value - basetime.Value
	if audioSpan <= 0 || audioSpan == videoSpan {
		return audio
	}

	rescale := func(v int64) int64 {
		return basetime.Value + (v-basetime.Value)*videoSpan/audioSpan
	}
	out := make([]models.Sample, len(audio))
	for i, s := range audio {
		out[i] = models.Sample{
			PresentationTime: models.RationalTime{Value: rescale(s.PresentationTime.Value), Timescale: models.Timescale},
			DecodeTime:       models.RationalTime{Value: rescale(s.DecodeTime.Value), Timescale: models.Timescale},
			Duration:         models.RationalTime{Value: s.Duration.Value * videoSpan / audioSpan, Timescale: models.Timescale},
			IsKeyFrame:       s.IsKeyFrame,
			Data:             s.Data,
		}
	}
	return out
}
