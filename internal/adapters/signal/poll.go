package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/renderstream/internal/core"
	"github.com/dkeye/renderstream/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrUnexpectedStatus = errors.New("unexpected status")

const sendRetries = 3

type outbound struct {
	path string
	body any
	// flush marks the end of the queue; the sender closes it and exits
	flush chan struct{}
}

// Poll is the HTTP request/poll signaling channel.
type Poll struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger

	events *core.EventQueue[core.SignalEvent]
	send   *core.EventQueue[outbound]

	mu        sync.Mutex
	base      string
	sessionID string
	starting  bool
	started   bool
	stopped   bool
	lastTime  int64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var _ core.SignalingChannel = (*Poll)(nil)

func NewPoll(cfg Config) *Poll {
	return &Poll{
		cfg:    cfg.withDefaults(),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.With().Str("module", "signal").Str("transport", "http").Logger(),
		events: core.NewEventQueue[core.SignalEvent](),
		send:   core.NewEventQueue[outbound](),
	}
}

func (p *Poll) Events() <-chan core.SignalEvent { return p.events.Out() }

// Start opens a relay session, retrying with exponential backoff up to StartTimeout.
// The lock is not held while retrying, so Stop can run concurrently.
func (p *Poll) Start(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.stopped:
		p.mu.Unlock()
		return fmt.Errorf("%w: channel stopped", core.ErrSignalingUnavailable)
	case p.started:
		p.mu.Unlock()
		return nil
	case p.starting:
		p.mu.Unlock()
		return fmt.Errorf("%w: start already in progress", core.ErrSignalingUnavailable)
	}
	base, _, err := endpoints(p.cfg.URL)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %w", core.ErrSignalingUnavailable, err)
	}
	p.base = base
	p.starting = true
	p.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = p.cfg.StartTimeout

	var resp SessionResponse
	op := func() error {
		return p.do(ctx, "", http.MethodPut, "/signaling", nil, &resp)
	}
	err = backoff.Retry(op, backoff.WithContext(bo, ctx))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.starting = false
	switch {
	case err != nil:
		return fmt.Errorf("%w: create session: %w", core.ErrSignalingUnavailable, err)
	case resp.SessionID == "":
		return fmt.Errorf("%w: empty session id", core.ErrSignalingUnavailable)
	case p.stopped:
		go p.abandon(resp.SessionID)
		return fmt.Errorf("%w: stopped while starting", core.ErrSignalingUnavailable)
	}

	p.sessionID = resp.SessionID
	p.started = true

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(2)
	go p.pollLoop(loopCtx, resp.SessionID)
	go p.sendLoop(loopCtx, resp.SessionID)

	p.logger.Info().Str("url", base).Str("session_id", resp.SessionID).Msg("session opened")
	return nil
}

// Stop drains queued sends, ends polling and deletes the relay session.
func (p *Poll) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	sid := p.sessionID
	cancel := p.cancel
	p.mu.Unlock()

	if started {
		flushed := make(chan struct{})
		p.send.Push(outbound{flush: flushed})
		select {
		case <-flushed:
		case <-ctx.Done():
			p.logger.Warn().Err(ctx.Err()).Msg("stop before flush completed")
		}
		cancel()
		p.wg.Wait()

		if err := p.do(ctx, sid, http.MethodDelete, "/signaling", nil, nil); err != nil {
			p.logger.Warn().Err(err).Msg("delete session")
		}
	}

	p.send.Close()
	p.events.Close()
	p.logger.Info().Msg("stopped")
	return nil
}

// abandon deletes a relay session opened after Stop already ran.
func (p *Poll) abandon(sid string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StartTimeout)
	defer cancel()
	if err := p.do(ctx, sid, http.MethodDelete, "/signaling", nil, nil); err != nil {
		p.logger.Warn().Err(err).Msg("delete abandoned session")
	}
}

func (p *Poll) CreateConnection(ctx context.Context, id domain.ConnectionID) error {
	sid, err := p.session()
	if err != nil {
		return err
	}
	var resp ConnectionResponse
	if err := p.do(ctx, sid, http.MethodPut, "/signaling/connection", ConnectionRequest{ConnectionID: string(id)}, &resp); err != nil {
		return err
	}
	p.logger.Debug().Str("connection_id", resp.ConnectionID).Bool("polite", resp.Polite).Msg("connection registered")
	p.events.Push(core.ConnectionReady{ID: id, Polite: resp.Polite})
	return nil
}

func (p *Poll) DeleteConnection(ctx context.Context, id domain.ConnectionID) error {
	sid, err := p.session()
	if err != nil {
		return err
	}
	return p.do(ctx, sid, http.MethodDelete, "/signaling/connection", ConnectionRequest{ConnectionID: string(id)}, nil)
}

func (p *Poll) SendOffer(id domain.ConnectionID, sdp string) {
	p.enqueue("/signaling/offer", DescriptionRequest{ConnectionID: string(id), SDP: sdp})
}

func (p *Poll) SendAnswer(id domain.ConnectionID, sdp string) {
	p.enqueue("/signaling/answer", DescriptionRequest{ConnectionID: string(id), SDP: sdp})
}

func (p *Poll) SendCandidate(id domain.ConnectionID, cand domain.ICECandidate) {
	p.enqueue("/signaling/candidate", CandidateRequest{
		ConnectionID:  string(id),
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

func (p *Poll) enqueue(path string, body any) {
	if _, err := p.session(); err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("send dropped")
		return
	}
	if !p.send.Push(outbound{path: path, body: body}) {
		p.logger.Warn().Str("path", path).Msg("send dropped after stop")
	}
}

func (p *Poll) session() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return "", fmt.Errorf("%w: not connected", core.ErrSignalingUnavailable)
	}
	return p.sessionID, nil
}

func (p *Poll) sendLoop(ctx context.Context, sid string) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-p.send.Out():
			if !ok {
				return
			}
			if msg.flush != nil {
				close(msg.flush)
				return
			}
			bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), sendRetries), ctx)
			op := func() error { return p.do(ctx, sid, http.MethodPost, msg.path, msg.body, nil) }
			if err := backoff.Retry(op, bo); err != nil {
				p.logger.Error().Err(err).Str("path", msg.path).Msg("send failed")
			}
		}
	}
}

func (p *Poll) pollLoop(ctx context.Context, sid string) {
	defer p.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.PollInterval
	bo.MaxElapsedTime = 0

	wait := p.cfg.PollInterval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := p.poll(ctx, sid); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = bo.NextBackOff()
			p.logger.Warn().Err(err).Dur("retry_in", wait).Msg("poll failed")
		} else {
			bo.Reset()
			wait = p.cfg.PollInterval
		}
		timer.Reset(wait)
	}
}

func (p *Poll) poll(ctx context.Context, sid string) error {
	p.mu.Lock()
	from := p.lastTime
	p.mu.Unlock()

	var resp Messages
	path := "/signaling?fromtime=" + strconv.FormatInt(from, 10)
	if err := p.do(ctx, sid, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}

	p.mu.Lock()
	if resp.Datetime > p.lastTime {
		p.lastTime = resp.Datetime
	}
	p.mu.Unlock()

	for _, m := range resp.Messages {
		if m.Type == TypeConnect {
			continue
		}
		ev, err := toEvent(m.Type, m.Payload)
		if err != nil {
			p.logger.Warn().Err(err).Msg("unknown signal")
			continue
		}
		p.events.Push(ev)
	}
	return nil
}

func (p *Poll) do(ctx context.Context, sid, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("marshal %s: %w", path, err))
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.base+path, rd)
	if err != nil {
		return backoff.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sid != "" {
		req.Header.Set(SessionHeader, sid)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("%w: %s %s: %d", ErrUnexpectedStatus, method, path, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
