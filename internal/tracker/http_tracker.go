package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/prxssh/rabbitcore/internal/bencode"
	"github.com/valyala/fasthttp"
)

const maxTrackerResponseSize = 2 * 1024 * 1024 // 2 MiB

// HTTPTracker announces over HTTP/HTTPS using the compact tracker
// protocol (BEP 23).
type HTTPTracker struct {
	baseURL *url.URL
	client  *fasthttp.Client
	timeout time.Duration

	mu        sync.RWMutex
	trackerID string

	log *slog.Logger
}

func NewHTTPTracker(u *url.URL, log *slog.Logger, timeout time.Duration) (*HTTPTracker, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &HTTPTracker{
		baseURL: u,
		timeout: timeout,
		log:     log.With("type", "http"),
		client: &fasthttp.Client{
			MaxConnsPerHost:     64,
			MaxIdleConnDuration: 30 * time.Second,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
		},
	}, nil
}

func (ht *HTTPTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(ht.buildAnnounceURL(params))
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := ht.client.DoDeadline(req, resp, deadlineFor(ctx, ht.timeout)); err != nil {
		return nil, fmt.Errorf("tracker: http announce: %w", err)
	}

	if resp.StatusCode() != fasthttp.StatusOK {
		body := resp.Body()
		if len(body) > 1024 {
			body = body[:1024]
		}
		return nil, fmt.Errorf("tracker: announce returned non-ok status %d: %s", resp.StatusCode(), body)
	}

	body := resp.Body()
	if len(body) > maxTrackerResponseSize {
		body = body[:maxTrackerResponseSize]
	}

	r, err := parseAnnounceResponse(body)
	if err != nil {
		return nil, err
	}

	if r.TrackerID != "" {
		ht.mu.Lock()
		ht.trackerID = r.TrackerID
		ht.mu.Unlock()
	}

	return r, nil
}

func (ht *HTTPTracker) buildAnnounceURL(params *AnnounceParams) string {
	u := *ht.baseURL
	q := u.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(params.NumWant)))
	}
	if params.Key != 0 {
		q.Set("key", strconv.FormatUint(uint64(params.Key), 10))
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}

	ht.mu.RLock()
	trackerID := ht.trackerID
	ht.mu.RUnlock()
	if trackerID != "" {
		q.Set("trackerid", trackerID)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func deadlineFor(ctx context.Context, fallback time.Duration) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(fallback)
}

func parseAnnounceResponse(data []byte) (*AnnounceResponse, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	dict, err := bencode.ToDict(raw)
	if err != nil {
		return nil, fmt.Errorf("tracker: announce expected dict but got %T", raw)
	}

	if failure, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce failure: %s", failure)
	}
	if warning, ok := dict["warning reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce warning: %s", warning)
	}

	interval, err := bencode.ToInt(dict["interval"])
	if err != nil {
		return nil, fmt.Errorf("tracker: interval: %w", err)
	}

	peers, err := parsePeers(dict)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid peers: %w", err)
	}

	minInterval, _ := bencode.ToInt(dict["min interval"])
	seeders, _ := bencode.ToInt(dict["complete"])
	leechers, _ := bencode.ToInt(dict["incomplete"])
	trackerID, _ := bencode.ToString(dict["trackerid"])

	return &AnnounceResponse{
		TrackerID:   trackerID,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
	}, nil
}

func parsePeers(d map[string]any) ([]netip.AddrPort, error) {
	peersData, ok := d["peers"]
	if !ok {
		peersData, ok = d["peers6"]
		if !ok {
			return nil, nil
		}
		return decodePeers(peersData, true)
	}
	return decodePeers(peersData, false)
}
