package httptunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ClientConn is the dialing side of an HTTP-tunnel pseudo-stream: Write
// batches bytes into POST command frames (upload leg), Read blocks on bytes
// delivered by a background GET polling loop (download leg). Used when this
// node cannot reach a peer directly but can reach it (or a relay acting on
// its behalf) over HTTP (spec §4.1, §6.5).
type ClientConn struct {
	baseURL string
	client  *http.Client
	cookie  string

	downloadR *io.PipeReader
	downloadW *io.PipeWriter

	uploadMu   sync.Mutex
	uploadBuf  bytes.Buffer
	openSent   bool
	postSize   int
	uploadWake chan struct{}

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Dial performs the session-allocating GET against baseURL and starts the
// background download-poll and upload-flush loops.
func Dial(ctx context.Context, baseURL string) (*ClientConn, error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, connectTimeout)
	defer dialCancel()

	client := &http.Client{}

	req, err := http.NewRequestWithContext(dialCtx, http.MethodGet, baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("httptunnel: build GET request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httptunnel: initial GET: %w", err)
	}

	var cookie string
	for _, c := range resp.Cookies() {
		if c.Name == "session" {
			cookie = c.Value
		}
	}
	if cookie == "" {
		resp.Body.Close()
		return nil, fmt.Errorf("httptunnel: server did not allocate a session cookie")
	}

	dr, dw := io.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())

	cc := &ClientConn{
		baseURL:    baseURL,
		client:     client,
		cookie:     cookie,
		downloadR:  dr,
		downloadW:  dw,
		postSize:   minPOSTSize,
		uploadWake: make(chan struct{}, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go cc.drainFirstResponse(resp)
	go cc.pollDownload(runCtx)
	go cc.flushUploads(runCtx)

	return cc, nil
}

func (cc *ClientConn) drainFirstResponse(resp *http.Response) {
	defer resp.Body.Close()
	if _, err := io.Copy(cc.downloadW, resp.Body); err != nil {
		log.WithError(err).Debug("httptunnel: client drain of initial GET failed")
	}
}

// pollDownload repeatedly issues GET requests for the download leg; each
// server-side GET waits up to longPollWait for bytes, then flushDelay more
// to coalesce them, giving the long-poll cadence the server implements.
func (cc *ClientConn) pollDownload(ctx context.Context) {
	defer close(cc.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cc.baseURL, nil)
		if err != nil {
			return
		}
		req.Header.Set("User-Agent", userAgent)
		req.AddCookie(&http.Cookie{Name: "session", Value: cc.cookie})

		resp, err := cc.client.Do(req)
		if err != nil {
			cc.downloadW.CloseWithError(err)
			return
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			cc.downloadW.CloseWithError(fmt.Errorf("httptunnel: GET returned %d", resp.StatusCode))
			return
		}

		if _, err := io.Copy(cc.downloadW, resp.Body); err != nil {
			resp.Body.Close()
			cc.downloadW.CloseWithError(err)
			return
		}
		resp.Body.Close()
	}
}

// flushUploads batches Write calls into POST bodies, doubling the target
// body size on each round up to maxPOSTSize (spec §6.5).
func (cc *ClientConn) flushUploads(ctx context.Context) {
	ticker := time.NewTicker(flushDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cc.uploadWake:
		case <-ticker.C:
		}

		cc.uploadMu.Lock()
		if cc.uploadBuf.Len() == 0 {
			cc.uploadMu.Unlock()
			continue
		}
		payload := make([]byte, cc.uploadBuf.Len())
		copy(payload, cc.uploadBuf.Bytes())
		cc.uploadBuf.Reset()

		var body bytes.Buffer
		if !cc.openSent {
			writeFrame(&body, cmdTunnelOpen, nil)
			cc.openSent = true
		}
		writeFrame(&body, cmdTunnelData, payload)

		if cc.postSize < maxPOSTSize {
			cc.postSize *= 2
			if cc.postSize > maxPOSTSize {
				cc.postSize = maxPOSTSize
			}
		}
		cc.uploadMu.Unlock()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cc.baseURL, bytes.NewReader(body.Bytes()))
		if err != nil {
			continue
		}
		req.Header.Set("User-Agent", userAgent)
		req.AddCookie(&http.Cookie{Name: "session", Value: cc.cookie})

		resp, err := cc.client.Do(req)
		if err != nil {
			log.WithError(err).Debug("httptunnel: client POST failed")
			continue
		}
		resp.Body.Close()
	}
}

// Write queues p for the next POST flush.
func (cc *ClientConn) Write(p []byte) (int, error) {
	cc.uploadMu.Lock()
	n, _ := cc.uploadBuf.Write(p)
	full := cc.uploadBuf.Len() >= cc.postSize
	cc.uploadMu.Unlock()

	if full {
		select {
		case cc.uploadWake <- struct{}{}:
		default:
		}
	}
	return n, nil
}

// Read blocks for bytes delivered by the download polling loop.
func (cc *ClientConn) Read(p []byte) (int, error) {
	return cc.downloadR.Read(p)
}

// Close sends TunnelClose and tears down the background loops.
func (cc *ClientConn) Close() error {
	var err error
	cc.closeOnce.Do(func() {
		var body bytes.Buffer
		writeFrame(&body, cmdTunnelClose, nil)

		req, reqErr := http.NewRequest(http.MethodPost, cc.baseURL, bytes.NewReader(body.Bytes()))
		if reqErr == nil {
			req.AddCookie(&http.Cookie{Name: "session", Value: cc.cookie})
			if resp, doErr := cc.client.Do(req); doErr == nil {
				resp.Body.Close()
			}
		}

		cc.cancel()
		err = cc.downloadW.Close()
	})
	return err
}
