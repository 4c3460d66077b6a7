// Package forward relays raw webhook bodies to an automation endpoint.
package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultTimeout = 5 * time.Second

// Forwarder posts a copy of each webhook body to a fixed URL. Delivery runs detached
// from the request and its outcome is only logged.
type Forwarder struct {
	url     string
	timeout time.Duration
	client  *http.Client
	log     *zap.Logger
	wg      sync.WaitGroup
}

func New(url string, timeout time.Duration, log *zap.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Forwarder{url: url, timeout: timeout, client: &http.Client{}, log: log}
}

func (f *Forwarder) Enabled() bool { return f != nil && f.url != "" }

// Forward schedules delivery and returns immediately.
func (f *Forwarder) Forward(orgSlug string, body []byte, signature string) {
	if !f.Enabled() {
		return
	}
	payload := append([]byte(nil), body...)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		start := time.Now()
		if err := f.post(ctx, orgSlug, payload, signature); err != nil {
			f.log.Warn("forward webhook failed",
				zap.String("org_slug", orgSlug),
				zap.Duration("cost", time.Since(start)),
				zap.Error(err),
			)
			return
		}
		f.log.Debug("webhook forwarded", zap.String("org_slug", orgSlug), zap.Duration("cost", time.Since(start)))
	}()
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and in tests.
func (f *Forwarder) Wait() {
	if f != nil {
		f.wg.Wait()
	}
}

func (f *Forwarder) post(ctx context.Context, orgSlug string, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Line-Signature", signature)
	req.Header.Set("X-Org-Slug", orgSlug)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status=%d", resp.StatusCode)
	}
	return nil
}
