package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ollama/ollama/api"
)

const defaultTimeout = 120 * time.Second

type OllamaProvider struct {
	BaseURL string
	Model   string
	Timeout time.Duration

	// Client bounds the whole buffered call by Timeout.
	Client *http.Client
	// StreamClient has no overall timeout: Timeout bounds connection setup
	// and response headers, the stream itself enforces inter-chunk idleness.
	StreamClient *http.Client
}

func NewOllamaProvider(baseURL, model string, timeout time.Duration) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	transport.ResponseHeaderTimeout = timeout

	return &OllamaProvider{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Model:        model,
		Timeout:      timeout,
		Client:       &http.Client{Timeout: timeout},
		StreamClient: &http.Client{Transport: transport},
	}
}

func (p *OllamaProvider) newRequest(ctx context.Context, messages []Message, stream bool) (*http.Request, error) {
	out := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, api.Message{Role: m.Role, Content: m.Content})
	}
	reqBody := api.ChatRequest{
		Model:    p.Model,
		Messages: out,
		Stream:   &stream,
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/chat", p.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// statusError reads a short body snippet so the upstream reason is not lost.
func statusError(op string, resp *http.Response) *UpstreamError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &UpstreamError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if p.Client == nil {
		return "", &UpstreamError{Op: "chat", Err: errors.New("http client is nil")}
	}

	req, err := p.newRequest(ctx, messages, false)
	if err != nil {
		return "", &UpstreamError{Op: "chat", Err: err}
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", &UpstreamError{Op: "chat", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError("chat", resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &UpstreamError{Op: "chat", StatusCode: resp.StatusCode, Err: err}
	}
	decoded, err := decodeResult(body)
	if err != nil {
		return "", &UpstreamError{Op: "chat", StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if decoded.Error != "" {
		return "", &UpstreamError{Op: "chat", StatusCode: resp.StatusCode, Err: errors.New(decoded.Error)}
	}
	return decoded.Content, nil
}

// Stream opens a streaming chat call. Failures before the body starts
// arriving are returned as *UpstreamError; later failures surface through
// Stream.Err wrapping ErrStreamInterrupted.
func (p *OllamaProvider) Stream(ctx context.Context, messages []Message) (Stream, error) {
	if p.StreamClient == nil {
		return nil, &UpstreamError{Op: "stream", Err: errors.New("http client is nil")}
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := p.newRequest(ctx, messages, true)
	if err != nil {
		cancel()
		return nil, &UpstreamError{Op: "stream", Err: err}
	}

	resp, err := p.StreamClient.Do(req)
	if err != nil {
		cancel()
		return nil, &UpstreamError{Op: "stream", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		uerr := statusError("stream", resp)
		resp.Body.Close()
		cancel()
		return nil, uerr
	}

	sc := bufio.NewScanner(resp.Body)
	// Increase scanner buffer for long JSON lines.
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 2*1024*1024)

	s := &ollamaStream{
		body:   resp.Body,
		sc:     sc,
		cancel: cancel,
		idle:   p.Timeout,
	}
	s.timer = time.AfterFunc(s.idle, func() {
		s.idleExpired.Store(true)
		cancel()
	})
	return s, nil
}

type ollamaStream struct {
	body   io.ReadCloser
	sc     *bufio.Scanner
	cancel context.CancelFunc

	idle        time.Duration
	timer       *time.Timer
	idleExpired atomic.Bool

	frag     string
	pending  bool // done flag seen on the chunk that carried frag
	finished bool
	err      error

	closeOnce sync.Once
}

func (s *ollamaStream) Next() bool {
	s.frag = ""
	if s.pending {
		s.pending = false
		s.finish()
	}
	if s.finished {
		return false
	}

	// the idle timer only runs while waiting on upstream, not while the
	// caller handles a fragment
	s.timer.Reset(s.idle)
	for s.sc.Scan() {
		s.timer.Reset(s.idle)

		line := bytes.TrimSpace(s.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		chunk, err := decodeChunk(line)
		if err != nil {
			// malformed line
			continue
		}
		if chunk.Error != "" {
			s.fail(errors.New(chunk.Error))
			return false
		}
		if chunk.Content != "" {
			s.frag = chunk.Content
			s.pending = chunk.Done
			s.timer.Stop()
			return true
		}
		if chunk.Done {
			s.finish()
			return false
		}
	}

	err := s.sc.Err()
	switch {
	case s.idleExpired.Load():
		err = fmt.Errorf("no data received for %s", s.idle)
	case err == nil:
		err = fmt.Errorf("connection closed before completion: %w", io.ErrUnexpectedEOF)
	}
	s.fail(err)
	return false
}

func (s *ollamaStream) Fragment() string { return s.frag }

func (s *ollamaStream) Err() error { return s.err }

func (s *ollamaStream) fail(cause error) {
	s.err = fmt.Errorf("%w: %w", ErrStreamInterrupted, cause)
	s.finish()
}

// finish stops reading; nothing after the completion flag is consumed.
func (s *ollamaStream) finish() {
	s.finished = true
	_ = s.Close()
}

func (s *ollamaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.timer.Stop()
		err = s.body.Close()
		s.cancel()
	})
	return err
}
