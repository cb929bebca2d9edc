// Package transport defines the transport-pipeline trait consumed per
// buffer type — URL resolution, segment loading/parsing, and
// manifest loading/parsing — and a default ISOBMFF-over-HTTP
// implementation of it. Grounded on internal/fetch's chunked-read loop
// (reused here for LoadSegment) and internal/fetch/cdnrank's ranker (reused
// for ResolveSegmentUrl); manifest wire-format parsing is deliberately left
// to an injected ManifestParser, since no DASH/HLS manifest grammar is
// implemented in this repository.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zsiec/streamcore/internal/fetch/cdnrank"
	"github.com/zsiec/streamcore/internal/fetch/integrity"
	"github.com/zsiec/streamcore/internal/manifest"
)

// SegmentContext identifies the segment a Pipeline call is acting on.
type SegmentContext struct {
	RepresentationID string
	CDNs             []string
	IsInit           bool
}

// ProgressFunc reports cumulative bytes loaded against the total declared
// by the server (-1 if unknown).
type ProgressFunc func(loaded, total int64)

// LoadOptions bounds a single load.
type LoadOptions struct {
	Timeout time.Duration
}

// LoadedSegment is the raw result of LoadSegment.
type LoadedSegment struct {
	Data        []byte
	ContentType string
}

// SegmentKind tags which variant of ParsedSegment is populated.
type SegmentKind int

const (
	SegmentKindInit SegmentKind = iota
	SegmentKindMedia
)

// ChunkInfo describes one parsed media chunk's timing, in the segment's
// own timescale.
type ChunkInfo struct {
	Time      float64
	Duration  float64
	Timescale float64
}

// ProtectionUpdate carries a DRM/encryption system update discovered while
// parsing a segment.
type ProtectionUpdate struct {
	SystemID string
	Data     []byte
}

// ParsedSegment is the result of ParseSegment: exactly one of the Init or
// Media field groups is meaningful, selected by Kind.
type ParsedSegment struct {
	Kind SegmentKind

	// Init fields.
	InitializationData []byte
	InitTimescale       *float64

	// Media fields.
	ChunkData   []byte
	ChunkInfos  []ChunkInfo
	ChunkOffset float64
	AppendStart float64
	AppendEnd   float64

	Protection *ProtectionUpdate
}

// RawManifest is an unparsed manifest fetched from the network.
type RawManifest struct {
	Data    []byte
	BaseURL string
}

// ManifestParser turns a RawManifest into the engine's Manifest data
// model. Manifest grammars (DASH MPD, HLS m3u8) are format-specific and
// external to this package; callers supply their own.
type ManifestParser func(raw RawManifest) (*manifest.Manifest, error)

// Pipeline is the per-buffer-type transport trait a session consumes.
// Implementations may be a plain HTTP client, a QUIC/HTTP3 client, a
// test double, or anything else that can resolve, load, and parse
// segments and manifests.
type Pipeline interface {
	// ResolveSegmentUrl picks one of ctx's CDN candidates, or false if
	// none are usable.
	ResolveSegmentUrl(ctx context.Context, sc SegmentContext) (string, bool)
	// LoadSegment fetches url, invoking onProgress as bytes arrive if
	// non-nil.
	LoadSegment(ctx context.Context, url string, opts LoadOptions, onProgress ProgressFunc) (LoadedSegment, error)
	// ParseSegment interprets a loaded buffer as init or media data.
	// initTimescale, if non-nil, is the representation's already-known
	// timescale (from a prior init segment).
	ParseSegment(loaded LoadedSegment, sc SegmentContext, initTimescale *float64) (ParsedSegment, error)
	// LoadManifest fetches the manifest bytes at url.
	LoadManifest(ctx context.Context, url string, opts LoadOptions) (RawManifest, error)
	// ParseManifest turns raw manifest bytes into the engine's Manifest.
	ParseManifest(raw RawManifest) (*manifest.Manifest, error)
}

// readChunkSize mirrors internal/fetch's incremental-read buffer size, so
// onProgress callbacks fire before the transfer completes.
const readChunkSize = 32 * 1024

// ISOBMFFPipeline is the default Pipeline: plain net/http loading, CDN
// selection via cdnrank.Ranker, and ISOBMFF box-walking to distinguish
// init from media segments.
type ISOBMFFPipeline struct {
	client   *http.Client
	ranker   *cdnrank.Ranker
	parseMan ManifestParser
}

// NewISOBMFFPipeline returns a Pipeline using client for all HTTP
// requests and parseManifest to turn fetched manifest bytes into a
// Manifest.
func NewISOBMFFPipeline(client *http.Client, cooldown time.Duration, parseManifest ManifestParser) *ISOBMFFPipeline {
	return &ISOBMFFPipeline{client: client, ranker: cdnrank.New(cooldown), parseMan: parseManifest}
}

func (p *ISOBMFFPipeline) ResolveSegmentUrl(ctx context.Context, sc SegmentContext) (string, bool) {
	ordered := p.ranker.Order(sc.CDNs)
	if len(ordered) == 0 {
		return "", false
	}
	return ordered[0], true
}

func (p *ISOBMFFPipeline) LoadSegment(ctx context.Context, url string, opts LoadOptions, onProgress ProgressFunc) (LoadedSegment, error) {
	reqCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return LoadedSegment{}, fmt.Errorf("transport: build request: %w", err)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.ranker.ReportFailure(req.URL.Host)
		return LoadedSegment{}, fmt.Errorf("transport: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		p.ranker.ReportFailure(req.URL.Host)
		return LoadedSegment{}, fmt.Errorf("transport: unexpected status %d", resp.StatusCode)
	}

	total := resp.ContentLength
	var buf []byte
	chunk := make([]byte, readChunkSize)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if onProgress != nil {
				onProgress(int64(len(buf)), total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			p.ranker.ReportFailure(req.URL.Host)
			return LoadedSegment{}, fmt.Errorf("transport: read body: %w", readErr)
		}
	}

	p.ranker.ReportSuccess(req.URL.Host, time.Since(start))
	return LoadedSegment{Data: buf, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (p *ISOBMFFPipeline) ParseSegment(loaded LoadedSegment, sc SegmentContext, initTimescale *float64) (ParsedSegment, error) {
	boxes, err := integrity.Walk(loaded.Data)
	if err != nil {
		return ParsedSegment{}, fmt.Errorf("transport: parse segment: %w", err)
	}

	isInit := sc.IsInit
	if !isInit {
		for _, b := range boxes {
			if b.Type == "ftyp" || b.Type == "moov" {
				isInit = true
				break
			}
		}
	}

	if isInit {
		return ParsedSegment{Kind: SegmentKindInit, InitializationData: loaded.Data, InitTimescale: initTimescale}, nil
	}
	return ParsedSegment{Kind: SegmentKindMedia, ChunkData: loaded.Data}, nil
}

func (p *ISOBMFFPipeline) LoadManifest(ctx context.Context, url string, opts LoadOptions) (RawManifest, error) {
	loaded, err := p.LoadSegment(ctx, url, opts, nil)
	if err != nil {
		return RawManifest{}, err
	}
	return RawManifest{Data: loaded.Data, BaseURL: url}, nil
}

func (p *ISOBMFFPipeline) ParseManifest(raw RawManifest) (*manifest.Manifest, error) {
	if p.parseMan == nil {
		return nil, fmt.Errorf("transport: no manifest parser configured")
	}
	return p.parseMan(raw)
}
