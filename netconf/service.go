package netconf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ServiceConfig tunes the authority.
type ServiceConfig struct {
	// MaxAssignAttempts bounds collision retries per auto-assign pool.
	MaxAssignAttempts int
	// Workers bounds concurrently handled requests in Serve.
	Workers int
	// Now overrides the clock.
	Now func() time.Time
}

// Service answers netconf requests from a Store.
type Service struct {
	store Store
	cfg   ServiceConfig
}

// NewService creates a Service. The store is shared, not owned.
func NewService(store Store, cfg ServiceConfig) *Service {
	if cfg.MaxAssignAttempts <= 0 {
		cfg.MaxAssignAttempts = DefaultMaxAssignAttempts
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{store: store, cfg: cfg}
}

// Handle answers one request dictionary. ok is false when no response
// should be written.
func (s *Service) Handle(ctx context.Context, d Dictionary) (Dictionary, bool) {
	log := logrus.WithFields(logrus.Fields{
		"function":   "Service.Handle",
		"request_id": d.Get(FieldRequestID),
	})

	req, err := ParseRequest(d)
	if err != nil {
		log.WithError(err).Warn("Ignoring malformed request")
		return nil, false
	}
	if !req.Peer.LocallyValidate() {
		log.WithField("peer", req.Peer.String()).Warn("Identity failed local validation")
		return nil, false
	}
	addr := req.Peer.Address()
	log = log.WithFields(logrus.Fields{"peer": addr.String(), "nwid": FormatNetworkID(req.NetworkID)})

	if err := s.recordNode(ctx, req); err != nil {
		log.WithError(err).Warn("Node bookkeeping failed, dropping request")
		return nil, false
	}

	resp := &Response{
		Peer:      addr,
		NetworkID: d.Get(FieldNetworkID),
		RequestID: req.RequestID,
	}

	nw, err := s.store.Network(ctx, req.NetworkID)
	if errors.Is(err, ErrNotFound) {
		log.Debug("Unknown network")
		resp.Error = ErrorNotFound
		return resp.Dictionary(), true
	}
	if err != nil {
		log.WithError(err).Warn("Network lookup failed")
		return nil, false
	}

	conf := Dictionary{
		"peer":   addr.String(),
		"nwid":   FormatNetworkID(req.NetworkID),
		"isOpen": "0",
	}
	if nw.Open {
		conf["isOpen"] = "1"
	}
	if nw.Name != "" {
		conf["name"] = nw.Name
	}

	statics, err := s.ipv4Assignments(ctx, req)
	switch {
	case errors.Is(err, ErrAddressSpaceExhausted):
		log.WithError(err).Warn("No IPv4 address available")
	case err != nil:
		log.WithError(err).Warn("IPv4 assignment failed")
		return nil, false
	}
	if len(statics) > 0 {
		conf["ipv4Static"] = joinPrefixes(statics)
	}

	resp.Config = conf
	log.WithField("ipv4Static", conf.Get("ipv4Static")).Debug("Answered request")
	return resp.Dictionary(), true
}

// recordNode stores a first-seen identity, refuses a different identity
// at a known address, and refreshes lastSeen.
func (s *Service) recordNode(ctx context.Context, req *Request) error {
	addr := req.Peer.Address()
	serialized := req.Peer.Serialize(false)
	now := s.cfg.Now()

	stored, err := s.store.NodeIdentity(ctx, addr)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := s.store.InsertNode(ctx, addr, serialized, now); err != nil {
			return fmt.Errorf("insert node: %w", err)
		}
	case err != nil:
		return fmt.Errorf("select node: %w", err)
	case stored != serialized:
		return ErrIdentityCollision
	}

	if err := s.store.TouchNode(ctx, addr, now); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Service.recordNode",
			"peer":     addr.String(),
			"error":    err.Error(),
		}).Warn("Failed to update lastSeen")
	}
	return nil
}

// ipv4Assignments returns the stored assignments, auto-assigning one when
// none exist.
func (s *Service) ipv4Assignments(ctx context.Context, req *Request) ([]netip.Prefix, error) {
	addr := req.Peer.Address()
	statics, err := s.store.IPv4Static(ctx, req.NetworkID, addr)
	if err != nil || len(statics) > 0 {
		return statics, err
	}
	pools, err := s.store.AutoAssignPools(ctx, req.NetworkID)
	if err != nil {
		return nil, err
	}
	p, err := AutoAssign(ctx, s.store, req.NetworkID, addr, pools, s.cfg.MaxAssignAttempts)
	if err != nil || !p.IsValid() {
		return nil, err
	}
	return []netip.Prefix{p}, nil
}

func joinPrefixes(ps []netip.Prefix) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}

// Serve reads request frames from r until EOF and writes responses to w.
// Requests are handled concurrently; frames on w never interleave.
func (s *Service) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	fw := NewFrameWriter(w)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	var readErr error
	for {
		if err := gctx.Err(); err != nil {
			readErr = err
			break
		}
		d, err := ReadFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, ErrMalformedDictionary) {
			logrus.WithFields(logrus.Fields{
				"function": "Service.Serve",
				"error":    err.Error(),
			}).Warn("Skipping malformed request frame")
			continue
		}
		if err != nil {
			readErr = err
			break
		}
		if d.Get(FieldType) != TypeRequest {
			logrus.WithFields(logrus.Fields{
				"function": "Service.Serve",
				"type":     d.Get(FieldType),
			}).Warn("Ignoring frame of unknown type")
			continue
		}
		g.Go(func() error {
			resp, ok := s.Handle(gctx, d)
			if !ok {
				return nil
			}
			return fw.WriteFrame(resp)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return readErr
}
